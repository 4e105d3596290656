package search

import "log"

// Service is the facade that tries Meilisearch first and falls back to
// Postgres.
type Service struct {
	meili *Meili
	pg    *PG
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pg *PG) *Service {
	return &Service{meili: meili, pg: pg}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.pg.Search(q)
	if err != nil {
		log.Printf("search: postgres error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexGroup indexes a group (fire-and-forget to Meilisearch).
func (s *Service) IndexGroup(g GroupRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexGroup(g); err != nil {
			log.Printf("search: index group %s: %v", g.ID, err)
		}
	}()
}

// IndexUser indexes a user (fire-and-forget to Meilisearch).
func (s *Service) IndexUser(u UserRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexUser(u); err != nil {
			log.Printf("search: index user %s: %v", u.ID, err)
		}
	}()
}

// RemoveGroup removes a group from the index (fire-and-forget).
func (s *Service) RemoveGroup(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteGroup(id); err != nil {
			log.Printf("search: delete group %s: %v", id, err)
		}
	}()
}

// RemoveUser removes a user from the index (fire-and-forget).
func (s *Service) RemoveUser(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteUser(id); err != nil {
			log.Printf("search: delete user %s: %v", id, err)
		}
	}()
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
