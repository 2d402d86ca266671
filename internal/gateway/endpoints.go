package gateway

import (
	"strings"

	"vibranium/internal/config"
	"vibranium/internal/normalize"
)

// EndpointSet is the endpoint allow-list. An empty list admits every
// endpoint; otherwise unlisted endpoints are admitted only with
// AcceptUnknown and are bound to DefaultEquipment.
type EndpointSet struct {
	AcceptUnknown    bool
	DefaultEquipment string
	bindings         map[string]string
}

func BuildEndpointSet(cfg config.GatewayConfig) *EndpointSet {
	s := &EndpointSet{
		AcceptUnknown:    cfg.AcceptUnknown,
		DefaultEquipment: strings.TrimSpace(cfg.DefaultEquipmentID),
	}
	if len(cfg.Endpoints) == 0 {
		return s
	}
	s.bindings = make(map[string]string, len(cfg.Endpoints))
	for _, b := range cfg.Endpoints {
		mac := normalize.MAC(b.MAC)
		if mac == "" {
			continue
		}
		s.bindings[mac] = strings.TrimSpace(b.EquipmentID)
	}
	return s
}

func (s *EndpointSet) Restricted() bool {
	return s != nil && len(s.bindings) > 0
}

func (s *EndpointSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.bindings)
}

// Resolve returns the equipment bound to the endpoint and whether packets
// from it are admitted.
func (s *EndpointSet) Resolve(endpointID string) (string, bool) {
	if s == nil {
		return "", true
	}
	mac := normalize.MAC(endpointID)
	if equip, ok := s.bindings[mac]; ok {
		if equip == "" {
			equip = s.DefaultEquipment
		}
		return equip, true
	}
	if !s.Restricted() || s.AcceptUnknown {
		return s.DefaultEquipment, true
	}
	return "", false
}
