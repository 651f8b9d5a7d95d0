package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// healthPath is requested by probes; access lines for it are not logged
const healthPath = "/__phpack_health"

// probeLoop polls the server over HTTP. Any HTTP response counts as healthy;
// ProbeFailures consecutive transport failures mark the server crashed.
func (m *Manager) probeLoop(ctx context.Context, inst *instance) {
	client := &http.Client{
		Timeout: m.cfg.ProbeTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	url := "http://" + m.cfg.Host + ":" + strconv.Itoa(inst.info.Port) + healthPath

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := probe(ctx, client, url); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			m.log.WithField("port", inst.info.Port).WithError(err).Debugf("health probe failed (%d/%d)", failures, m.cfg.ProbeFailures)
			if failures >= m.cfg.ProbeFailures {
				m.crash(inst, fmt.Sprintf("%d consecutive health probes failed", failures))
				return
			}
			continue
		}
		failures = 0
	}
}

func probe(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "phpack-health-probe")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
