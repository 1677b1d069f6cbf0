package history

import (
	"sort"

	"gitasahayak/internal/models"
)

// Merge unions remote and local sessions on id. The remote copy wins when
// both sides hold the same id, including when their timestamps are equal.
// The result is ordered newest first with ties broken by id, so merging the
// same inputs again gives the same list.
func Merge(local, remote []models.Session) []models.Session {
	out := make([]models.Session, 0, len(remote)+len(local))
	seen := make(map[string]struct{}, len(remote)+len(local))
	for _, list := range [][]models.Session{remote, local} {
		for _, s := range list {
			if s.ID == "" {
				continue
			}
			if _, dup := seen[s.ID]; dup {
				continue
			}
			seen[s.ID] = struct{}{}
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}
