// Package models defines the records persisted by trainwatch.
package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// TrainingRun is the persisted history of one training run.
type TrainingRun struct {
	ID          surrealmodels.RecordID `json:"id"`
	Name        string                 `json:"name"`
	Status      string                 `json:"status"`
	Epochs      int                    `json:"epochs"`
	Epoch       int                    `json:"epoch"` // completed epochs
	Metrics     map[string]float64     `json:"metrics,omitempty"`
	Params      map[string]any         `json:"params,omitempty"`
	LogPath     *string                `json:"log_path,omitempty"`
	WeightsPath *string                `json:"weights_path,omitempty"`
	Error       *string                `json:"error,omitempty"`
	SaveError   *string                `json:"save_error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}
