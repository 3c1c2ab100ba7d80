package handlers

import (
	"net"

	"github.com/pkg/errors"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/pipeline"
)

// TrustedIP marks peers inside the operator's trusted ranges, typically
// outbound relays whose mail is not re-authenticated.
type TrustedIP struct {
	ranges []*net.IPNet
}

func newTrustedIP(_ *config.Config, cfg map[string]interface{}) (pipeline.Handler, error) {
	h := &TrustedIP{}
	for _, s := range cfgStrings(cfg, "trusted_ips") {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, errors.WithMessagef(err, "trusted_ips %q", s)
		}
		h.ranges = append(h.ranges, ipnet)
	}
	return h, nil
}

func (h *TrustedIP) Name() string { return "TrustedIP" }

func (h *TrustedIP) Connect(c *pipeline.Conn, _ string, ip net.IP) error {
	for _, n := range h.ranges {
		if n.Contains(ip) {
			c.MarkTrusted()
			c.Log.Debug("trustedip", "%s classified trusted via %s", ip, n)
			return nil
		}
	}
	return nil
}
