package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"swarmd/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Manager  ManagerStatus  `json:"manager"`
	Agents   AgentCounts    `json:"agents"`
	Messages MessageCounts  `json:"messages"`
	Channels []string       `json:"channels"`
}

// ManagerStatus holds process overview info.
type ManagerStatus struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// AgentCounts breaks registered agents down by liveness and status.
type AgentCounts struct {
	Total      int `json:"total"`
	Live       int `json:"live"`
	Streaming  int `json:"streaming"`
	Stopped    int `json:"stopped"`
	Terminated int `json:"terminated"`
	Errored    int `json:"errored"`
}

// MessageCounts holds conversation traffic totals since start.
type MessageCounts struct {
	Received      int64 `json:"received"`
	Sent          int64 `json:"sent"`
	RuntimeErrors int64 `json:"runtime_errors"`
}

// Metrics tracks counters for the status API and the metrics endpoint.
type Metrics struct {
	MessagesRecv  atomic.Int64
	MessagesSent  atomic.Int64
	RuntimeErrors atomic.Int64
	StatusChanges atomic.Int64
	CronJobsFired atomic.Int64
}

func countAgents(snapshots []domain.AgentSnapshot) AgentCounts {
	var c AgentCounts
	c.Total = len(snapshots)
	for _, snap := range snapshots {
		if snap.Live {
			c.Live++
		}
		switch snap.Status {
		case domain.StatusStreaming:
			c.Streaming++
		case domain.StatusStopped:
			c.Stopped++
		case domain.StatusTerminated:
			c.Terminated++
		case domain.StatusError:
			c.Errored++
		}
	}
	return c
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		cfg := deps.Swarm.Config()

		resp := StatusResponse{
			Manager: ManagerStatus{
				ID:            cfg.ManagerID,
				Name:          cfg.ManagerName,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Agents: countAgents(deps.Swarm.ListAgents()),
			Messages: MessageCounts{
				Received:      metrics.MessagesRecv.Load(),
				Sent:          metrics.MessagesSent.Load(),
				RuntimeErrors: metrics.RuntimeErrors.Load(),
			},
			Channels: deps.Channels,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
