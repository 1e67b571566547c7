package cdc

import (
	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// Consolidate reduces the claimed rows to one entity per primary key.
//
// Rows are grouped by key in arrival order. A group holding both a Create and a Delete is dropped,
// otherwise a Delete wins, otherwise the first row wins. A non-delete representative whose table key
// is initial has been physically deleted since capture and is dropped. When the mapping has an
// IsDeletedColumn that is true on the representative, the operation becomes Delete and every
// non-key field (the flag included) is cleared.
//
// The payload of the first row is used because claim reads current table state for every row;
// the choice of row only determines the operation.
func Consolidate(rows []api.ChangeRow, mapping api.EntityMapping) []*api.Entity {
	type group struct {
		rows []api.ChangeRow
	}

	order := make([]string, 0, len(rows))
	groups := make(map[string]*group, len(rows))
	for _, r := range rows {
		k := r.Key.String()
		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
			order = append(order, k)
		}
		g.rows = append(g.rows, r)
	}

	entities := make([]*api.Entity, 0, len(order))
	for _, k := range order {
		rep, ok := representative(groups[k].rows)
		if !ok {
			continue
		}

		e := api.EntityFromRow(rep)
		if e.IsLogicallyDeleted(mapping.IsDeletedColumn) {
			e.Operation = api.Delete
			e.ClearWhereDeleted(mapping.KeyColumns...)
		}
		entities = append(entities, e)
	}
	return entities
}

func representative(rows []api.ChangeRow) (api.ChangeRow, bool) {
	var (
		del       *api.ChangeRow
		hasCreate bool
	)
	for i := range rows {
		switch rows[i].Operation {
		case api.Delete:
			if del == nil {
				del = &rows[i]
			}
		case api.Create:
			hasCreate = true
		}
	}

	if del != nil {
		if hasCreate {
			return api.ChangeRow{}, false
		}
		return *del, true
	}

	first := rows[0]
	if len(first.TableKey) > 0 && first.TableKey.IsInitial() {
		return api.ChangeRow{}, false
	}
	return first, true
}
