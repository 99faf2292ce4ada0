package migrator

import (
	"context"
	"sort"

	"github.com/chorehouse/migrate/internal/checksum"
)

type Plan struct {
	All     []Unit // every unit in the repository, ascending
	Applied map[string]LedgerEntry
	Pending []Unit // to apply, ascending
	Skipped []Unit // already ledgered, ascending
	// Unknown are ledgered versions with no file, ascending.
	Unknown []LedgerEntry
	// OutOfOrder are pending units older than the newest applied version.
	OutOfOrder []Unit
	// Drifted are applied units whose file changed since they ran.
	Drifted []*DriftError
}

// BuildPlan computes pending = units \ applied, preserving version order.
func BuildPlan(units []Unit, applied map[string]LedgerEntry) *Plan {
	p := &Plan{All: units, Applied: applied}
	newest := ""
	for v := range applied {
		if v > newest {
			newest = v
		}
	}
	known := make(map[string]bool, len(units))
	for _, u := range units {
		known[u.Version] = true
		row, ok := applied[u.Version]
		if !ok {
			p.Pending = append(p.Pending, u)
			if u.Version < newest {
				p.OutOfOrder = append(p.OutOfOrder, u)
			}
			continue
		}
		p.Skipped = append(p.Skipped, u)
		switch {
		case row.Name != u.Name:
			p.Drifted = append(p.Drifted, &DriftError{
				Version: u.Version, Name: u.Name, Recorded: row.Name, Current: u.Name, Reason: "was renamed", Renamed: true,
			})
		case !checksum.Matches(row.Checksum, u.Checksum):
			p.Drifted = append(p.Drifted, &DriftError{
				Version: u.Version, Name: u.Name,
				Recorded: checksum.Short(row.Checksum), Current: checksum.Short(u.Checksum),
				Reason: "was edited after it was applied", sum: u.Checksum,
			})
		}
	}
	for v, row := range applied {
		if !known[v] {
			p.Unknown = append(p.Unknown, row)
		}
	}
	sort.Slice(p.Unknown, func(i, j int) bool { return p.Unknown[i].Version < p.Unknown[j].Version })
	return p
}

// DiscoverAndPlan loads units and ledger and plans against them. The ledger
// must already exist.
func DiscoverAndPlan(ctx context.Context, repo Repository, l *Ledger) (*Plan, error) {
	units, err := repo.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	applied, err := l.ListApplied(ctx)
	if err != nil {
		return nil, err
	}
	return BuildPlan(units, applied), nil
}
