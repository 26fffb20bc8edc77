// Package health implements the readiness checks behind /readyz.
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Check names reported in the readiness response.
const (
	CheckDisk      = "disk"
	CheckWAL       = "wal"
	CheckLoki      = "loki"
	CheckForwarder = "forwarder"
)

// Status is the outcome of one named check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker runs the readiness checks. Construct with NewChecker.
type Checker struct {
	walRoot       string
	diskFreeRatio float64
	lokiReadyURL  string
	client        *http.Client

	// forwarderRunning reports whether the flush scheduler is active.
	forwarderRunning func() bool
}

// NewChecker creates a Checker.
//   - walRoot: WAL root directory, probed for writability
//   - diskFreeRatio: minimum acceptable free space ratio on the WAL volume
//   - lokiBaseURL: downstream base URL; its /ready endpoint is probed
//   - forwarderRunning: scheduler liveness callback
func NewChecker(walRoot string, diskFreeRatio float64, lokiBaseURL string, forwarderRunning func() bool) *Checker {
	return &Checker{
		walRoot:          walRoot,
		diskFreeRatio:    diskFreeRatio,
		lokiReadyURL:     strings.TrimRight(lokiBaseURL, "/") + "/ready",
		client:           &http.Client{Timeout: 2 * time.Second},
		forwarderRunning: forwarderRunning,
	}
}

// CheckAll runs every check and reports whether all passed.
func (c *Checker) CheckAll(ctx context.Context) (bool, []Status) {
	checks := []Status{
		c.checkDisk(),
		c.checkWAL(),
		c.checkLoki(ctx),
		c.checkForwarder(),
	}
	healthy := true
	for _, s := range checks {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, checks
}

func (c *Checker) checkDisk() Status {
	var st syscall.Statfs_t
	if err := syscall.Statfs(c.walRoot, &st); err != nil {
		return Status{Name: CheckDisk, Detail: fmt.Sprintf("statfs: %v", err)}
	}
	if st.Blocks == 0 {
		return Status{Name: CheckDisk, Detail: "statfs reported zero blocks"}
	}
	free := float64(st.Bavail) / float64(st.Blocks)
	if free < c.diskFreeRatio {
		return Status{
			Name:   CheckDisk,
			Detail: fmt.Sprintf("free space %.1f%% below minimum %.1f%%", free*100, c.diskFreeRatio*100),
		}
	}
	return Status{Name: CheckDisk, Healthy: true}
}

func (c *Checker) checkWAL() Status {
	probe := filepath.Join(c.walRoot, ".health_probe")
	f, err := os.Create(probe)
	if err != nil {
		return Status{Name: CheckWAL, Detail: fmt.Sprintf("wal root not writable: %v", err)}
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return Status{Name: CheckWAL, Healthy: true}
}

func (c *Checker) checkLoki(ctx context.Context) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.lokiReadyURL, nil)
	if err != nil {
		return Status{Name: CheckLoki, Detail: err.Error()}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Status{Name: CheckLoki, Detail: fmt.Sprintf("unreachable: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{Name: CheckLoki, Detail: fmt.Sprintf("ready probe returned %d", resp.StatusCode)}
	}
	return Status{Name: CheckLoki, Healthy: true}
}

func (c *Checker) checkForwarder() Status {
	if c.forwarderRunning == nil || !c.forwarderRunning() {
		return Status{Name: CheckForwarder, Detail: "flush scheduler not running"}
	}
	return Status{Name: CheckForwarder, Healthy: true}
}
