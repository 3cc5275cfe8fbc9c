package discovery

// Test-only exports so the external discovery_test package can reach
// unexported identifiers without importing workers into this package.

type PocketCastsEpisode = pocketCastsEpisode

func (s *Service) SetGate(g Pauser) { s.gate = g }
