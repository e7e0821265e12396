package server

import (
	"strings"

	"github.com/fjellauth/oidcbroker/providers"
	"github.com/fjellauth/oidcbroker/storage"
)

// chooseProvider selects the upstream identity provider for a validated
// request. Routing policy, in order:
//
//  1. An acr_values entry mapped in Config.ProviderACRRouting, or naming a
//     configured provider directly.
//  2. A scope carrying a provider prefix ("feide:..." routes to feide).
//  3. The configured default provider.
//
// The test IdP is only ever selected for clients flagged AllowTestIDP,
// regardless of what the request asks for.
func (s *Service) chooseProvider(client *storage.Client, norm *NormalizedRequest) (providers.Provider, bool) {
	if p, ok := s.providerForACR(norm.ACRValues); ok {
		return s.gateTestIDP(client, p)
	}

	for _, scope := range norm.Scopes {
		if name, _, found := strings.Cut(scope, ":"); found {
			if p, ok := s.providers[name]; ok {
				return s.gateTestIDP(client, p)
			}
		}
	}

	p, ok := s.providers[s.Config.DefaultProvider]
	if !ok {
		return nil, false
	}
	return s.gateTestIDP(client, p)
}

func (s *Service) providerForACR(acrValues []string) (providers.Provider, bool) {
	for _, acr := range acrValues {
		if name, ok := s.Config.ProviderACRRouting[acr]; ok {
			if p, exists := s.providers[name]; exists {
				return p, true
			}
		}
		if p, exists := s.providers[acr]; exists {
			return p, true
		}
	}
	return nil, false
}

// gateTestIDP refuses test-IdP routing for clients not flagged for it.
func (s *Service) gateTestIDP(client *storage.Client, p providers.Provider) (providers.Provider, bool) {
	if p.Name() == "testidp" && !client.AllowTestIDP {
		return nil, false
	}
	return p, true
}
