package endpoints

import (
	"errors"
	"net/http"

	"podscribe/internal/coordinator"
	"podscribe/internal/store"

	"github.com/gin-gonic/gin"
)

// nodeKeyHeader carries the per-node api key issued at registration.
const nodeKeyHeader = "X-Transcriber-Key"

// networkSecretHeader authenticates node registration itself; the node has no
// api key yet at that point.
const networkSecretHeader = "X-Network-Secret"

const nodeContextKey = "node"

// NodeAuthMiddleware resolves the calling node from its api key. Routes with
// an :id path parameter additionally require the key to belong to that node.
func NodeAuthMiddleware(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, err := coord.Authenticate(c.Request.Context(), c.GetHeader(nodeKeyHeader))
		if err != nil {
			if errors.Is(err, coordinator.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to authenticate node"})
			return
		}
		if id := c.Param("id"); id != "" && id != node.ID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Key does not match node"})
			return
		}
		c.Set(nodeContextKey, node)
		c.Next()
	}
}

// NetworkSecretMiddleware gates node registration behind the shared network
// secret. An empty configured secret disables the check (trusted network).
func NetworkSecretMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" && c.GetHeader(networkSecretHeader) != secret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// currentNode returns the node the auth middleware resolved.
func currentNode(c *gin.Context) (*store.Node, bool) {
	v, ok := c.Get(nodeContextKey)
	if !ok {
		return nil, false
	}
	node, ok := v.(*store.Node)
	return node, ok
}
