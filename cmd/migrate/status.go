package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/chorehouse/migrate/internal/checksum"
	"github.com/chorehouse/migrate/internal/migrator"
)

type statusItem struct {
	Version   string `json:"version"`
	Name      string `json:"name"`
	Checksum  string `json:"checksum"`
	Status    string `json:"status"` // applied|pending|drifted
	AppliedAt string `json:"applied_at,omitempty"`
	AppliedBy string `json:"applied_by,omitempty"`
}

func printStatus(w io.Writer, rows []migrator.UnitStatus, jsonOut bool) error {
	out := make([]statusItem, 0, len(rows))
	for _, r := range rows {
		it := statusItem{Version: r.Unit.Version, Name: r.Unit.Name, Checksum: r.Unit.Checksum, Status: "pending"}
		if r.Applied {
			it.Status = "applied"
			it.AppliedAt = r.Entry.AppliedAt.UTC().Format(time.RFC3339)
			it.AppliedBy = r.Entry.AppliedBy
		}
		if r.Drift != nil {
			it.Status = "drifted"
		}
		out = append(out, it)
	}
	if jsonOut {
		return json.NewEncoder(w).Encode(out)
	}
	for _, it := range out {
		if _, err := fmt.Fprintf(w, "%s %-30s %-8s %s %s\n", it.Version, it.Name, it.Status, checksum.Short(it.Checksum), it.AppliedAt); err != nil {
			return err
		}
	}
	return nil
}
