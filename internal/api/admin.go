package api

import (
	"net/http"
)

// handleSteeringRules reports the active rule set for inspection.
func (s *Server) handleSteeringRules(w http.ResponseWriter, r *http.Request) {
	compiled := s.steering.Current()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    compiled.Name,
		"version": compiled.Version,
		"rules":   compiled.Rules(),
	})
}

// handleListProviders reports every configured model profile with the live
// health of its adapter.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	type profileView struct {
		Provider     string   `json:"provider"`
		Model        string   `json:"model"`
		Capabilities []string `json:"capabilities"`
		Enabled      bool     `json:"enabled"`
		QualityTier  string   `json:"quality_tier"`
		Healthy      bool     `json:"healthy"`
	}

	var views []profileView
	for _, p := range s.registry.All() {
		healthy := false
		if adapter, ok := s.registry.Adapter(p.Provider); ok {
			healthy = adapter.Health().Healthy
		}
		views = append(views, profileView{
			Provider:     p.Provider,
			Model:        p.Model,
			Capabilities: p.Capabilities,
			Enabled:      p.Enabled,
			QualityTier:  p.QualityTier,
			Healthy:      healthy,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"models": views})
}
