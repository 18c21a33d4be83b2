package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCatalogAudit scans stored role grants for keys outside the catalog.
	TaskCatalogAudit = "authz:catalog_audit"
	// TaskSeedDefaults writes catalog default grants for roles.
	TaskSeedDefaults = "authz:seed_defaults"
)

// CatalogAuditPayload configures a catalog audit run.
type CatalogAuditPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SeedDefaultsPayload configures a seed run.
type SeedDefaultsPayload struct {
	Overwrite bool `json:"overwrite"`
}

// NewCatalogAuditTask constructs an Asynq task for TaskCatalogAudit.
func NewCatalogAuditTask(payload CatalogAuditPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCatalogAudit, data), nil
}

// NewSeedDefaultsTask constructs an Asynq task for TaskSeedDefaults.
func NewSeedDefaultsTask(payload SeedDefaultsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSeedDefaults, data), nil
}
