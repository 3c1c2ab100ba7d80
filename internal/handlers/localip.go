package handlers

import (
	"net"

	"github.com/pkg/errors"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/pipeline"
)

// LocalIP classifies loopback and private peers so later handlers can
// skip authentication work for them.
type LocalIP struct {
	extra []*net.IPNet
}

func newLocalIP(_ *config.Config, cfg map[string]interface{}) (pipeline.Handler, error) {
	h := &LocalIP{}
	for _, s := range cfgStrings(cfg, "extra_ranges") {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, errors.WithMessagef(err, "extra_ranges %q", s)
		}
		h.extra = append(h.extra, ipnet)
	}
	return h, nil
}

func (h *LocalIP) Name() string { return "LocalIP" }

func (h *LocalIP) Connect(c *pipeline.Conn, _ string, ip net.IP) error {
	if !isLocal(ip, h.extra) {
		return nil
	}
	c.MarkLocal()
	c.Log.Debug("localip", "%s classified local", ip)
	return nil
}

func isLocal(ip net.IP, extra []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() {
		return true
	}
	for _, n := range extra {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
