// Package feasibility computes how many assemblies the current stock can
// build for a BOM. Compute is a total function: it never fails, every
// input maps to a determined or undetermined figure, so it is safe to run
// on any BOM state.
package feasibility

import "github.com/hydrogen602/ElectronicsInventorySystem/internal/models"

// EntryResult is the per-row outcome. Determined is false when the row has
// no inventory mappings, a non-positive qty, or is marked do-not-place;
// zero MaxUnits with Determined true means the mapped stock is empty,
// which is a real answer, not missing data.
type EntryResult struct {
	Index      int  `json:"index"`
	MaxUnits   int  `json:"maxUnits"`
	Determined bool `json:"determined"`
	DoNotPlace bool `json:"doNotPlace"`
}

// Report is the feasibility of a whole BOM against a stock snapshot.
type Report struct {
	Entries       []EntryResult `json:"entries"`
	MaxAssemblies int           `json:"maxAssemblies"`
	Determined    bool          `json:"determined"`

	// Binding lists the row indices whose MaxUnits equals MaxAssemblies;
	// these are the entries limiting production. Ties possible.
	Binding []int `json:"binding"`
}

// Compute derives per-entry and overall buildable units. stock maps
// inventory item ids to their current availableQuantity; ids referenced by
// a row but absent from stock are dangling references and contribute
// nothing. Items mapped to one entry are pooled: their combined stock is
// divided by the entry qty.
func Compute(rows []models.BomEntry, stock map[string]int) Report {
	report := Report{Entries: make([]EntryResult, len(rows))}

	for i, row := range rows {
		result := EntryResult{Index: i, DoNotPlace: row.DoNotPlace}
		if !row.DoNotPlace && row.Qty > 0 && len(row.InventoryItemMappingIDs) > 0 {
			pooled := 0
			for _, id := range row.InventoryItemMappingIDs {
				if qty := stock[id]; qty > 0 {
					pooled += qty
				}
			}
			result.MaxUnits = pooled / row.Qty
			result.Determined = true
		}
		report.Entries[i] = result
	}

	for _, e := range report.Entries {
		if !e.Determined {
			continue
		}
		switch {
		case !report.Determined, e.MaxUnits < report.MaxAssemblies:
			report.MaxAssemblies = e.MaxUnits
			report.Determined = true
			report.Binding = []int{e.Index}
		case e.MaxUnits == report.MaxAssemblies:
			report.Binding = append(report.Binding, e.Index)
		}
	}

	return report
}
