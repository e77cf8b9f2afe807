package controller

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/owenhdiba/tindeq-sonification/internal/protocol"
)

// paramsData is the on-disk form of the last-used run parameters. Durations
// are stored in seconds to keep the file hand-editable.
type paramsData struct {
	ActiveSeconds int     `json:"active_seconds"`
	RestSeconds   int     `json:"rest_seconds"`
	TargetLoadKg  float64 `json:"target_load_kg"`
	TotalSets     int     `json:"total_sets"`
}

// paramsPersistence remembers the previous run's parameters across program
// starts so the form comes up pre-filled.
type paramsPersistence struct {
	filePath string
	logger   *log.Logger
}

func newParamsPersistence(logger *log.Logger) *paramsPersistence {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return &paramsPersistence{
		filePath: filepath.Join(homeDir, ".tindeq-sonification", "params.json"),
		logger:   logger,
	}
}

func defaultParams() protocol.Params {
	return protocol.Params{
		ActiveDuration: 7 * time.Second,
		RestDuration:   120 * time.Second,
		TargetLoad:     10,
		TotalSets:      6,
		Countdown:      protocol.DefaultCountdown,
	}
}

func (p *paramsPersistence) load() protocol.Params {
	raw, err := os.ReadFile(p.filePath)
	if err != nil {
		p.logger.Printf("ParamsPersistence: load %s (no existing file)", p.filePath)
		return defaultParams()
	}

	var data paramsData
	if err := json.Unmarshal(raw, &data); err != nil {
		p.logger.Printf("ParamsPersistence: load %s failed to parse: %v", p.filePath, err)
		return defaultParams()
	}

	params := protocol.Params{
		ActiveDuration: time.Duration(data.ActiveSeconds) * time.Second,
		RestDuration:   time.Duration(data.RestSeconds) * time.Second,
		TargetLoad:     data.TargetLoadKg,
		TotalSets:      data.TotalSets,
		Countdown:      protocol.DefaultCountdown,
	}
	if err := params.Validate(); err != nil {
		p.logger.Printf("ParamsPersistence: load %s rejected: %v", p.filePath, err)
		return defaultParams()
	}
	p.logger.Printf("ParamsPersistence: load %s -> %+v", p.filePath, data)
	return params
}

func (p *paramsPersistence) save(params protocol.Params) {
	if err := os.MkdirAll(filepath.Dir(p.filePath), 0755); err != nil {
		p.logger.Printf("ParamsPersistence: save mkdir failed: %v", err)
		return
	}
	data := paramsData{
		ActiveSeconds: int(params.ActiveDuration.Seconds()),
		RestSeconds:   int(params.RestDuration.Seconds()),
		TargetLoadKg:  params.TargetLoad,
		TotalSets:     params.TotalSets,
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		p.logger.Printf("ParamsPersistence: save marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(p.filePath, raw, 0644); err != nil {
		p.logger.Printf("ParamsPersistence: save %s failed: %v", p.filePath, err)
		return
	}
	p.logger.Printf("ParamsPersistence: save %s -> %+v", p.filePath, data)
}
