package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/pricehub/internal/database"
	"github.com/aristath/pricehub/internal/domain"
	"github.com/aristath/pricehub/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// TaskCounter reports queue occupancy
type TaskCounter interface {
	TaskCounts(ctx context.Context) (map[domain.TaskState]int, error)
}

// TableCounter reports how many live tables are open
type TableCounter interface {
	OpenTables() int
}

// PeerCounter reports connected workers on the event stream
type PeerCounter interface {
	Clients() int
}

// JobLister reports background job history
type JobLister interface {
	Jobs() []scheduler.JobStatus
}

// SystemStatusResponse is the payload of GET /api/system/status
type SystemStatusResponse struct {
	Status          string  `json:"status"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	DiskFreeGB      float64 `json:"disk_free_gb"`
	DiskUsedPercent float64 `json:"disk_used_percent"`
	TasksPending    int     `json:"tasks_pending"`
	TasksRunning    int     `json:"tasks_running"`
	OpenTables      int     `json:"open_tables"`
	Workers         int     `json:"workers"`

	Jobs []scheduler.JobStatus `json:"jobs,omitempty"`
}

// SystemHandlers handles system monitoring endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	startupTime time.Time
	queueDB     *database.DB
	tasks       TaskCounter
	tables      TableCounter
	peers       PeerCounter
	jobs        JobLister
}

// NewSystemHandlers creates a new system handlers instance. Any counter may be nil.
// Job history is attached with SetJobs.
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	queueDB *database.DB,
	tasks TaskCounter,
	tables TableCounter,
	peers PeerCounter,
) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		dataDir:     dataDir,
		startupTime: time.Now(),
		queueDB:     queueDB,
		tasks:       tasks,
		tables:      tables,
		peers:       peers,
	}
}

// SetJobs attaches the scheduler whose job history is reported in the status
func (h *SystemHandlers) SetJobs(jobs JobLister) {
	h.jobs = jobs
}

// HandleHealth reports whether the queue database answers
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.queueDB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.queueDB.Conn().PingContext(ctx); err != nil {
			h.log.Warn().Err(err).Msg("Queue database unreachable")
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "pricehub",
				"error":   err.Error(),
			})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "pricehub",
	})
}

// HandleSystemStatus returns host and queue status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.GetSystemStatusSnapshot(r.Context()))
}

// GetSystemStatusSnapshot collects the status; failed host stats leave zero values
func (h *SystemHandlers) GetSystemStatusSnapshot(ctx context.Context) SystemStatusResponse {
	response := SystemStatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startupTime).Seconds()),
	}

	response.CPUPercent, response.MemoryPercent = h.getSystemStats(ctx)

	if usage, err := disk.UsageWithContext(ctx, h.dataDir); err != nil {
		h.log.Warn().Err(err).Str("dir", h.dataDir).Msg("Failed to get disk usage")
	} else {
		response.DiskFreeGB = float64(usage.Free) / 1e9
		response.DiskUsedPercent = usage.UsedPercent
	}

	if h.tasks != nil {
		counts, err := h.tasks.TaskCounts(ctx)
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to count tasks")
			response.Status = "degraded"
		} else {
			response.TasksPending = counts[domain.TaskPending]
			response.TasksRunning = counts[domain.TaskRunning]
		}
	}
	if h.tables != nil {
		response.OpenTables = h.tables.OpenTables()
	}
	if h.peers != nil {
		response.Workers = h.peers.Clients()
	}
	if h.jobs != nil {
		response.Jobs = h.jobs.Jobs()
		for _, job := range response.Jobs {
			if job.LastError != "" {
				response.Status = "degraded"
			}
		}
	}
	return response
}

// getSystemStats samples CPU over 100ms and reads RAM usage
func (h *SystemHandlers) getSystemStats(ctx context.Context) (float64, float64) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
