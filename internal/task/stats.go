package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int           `json:"total"`
	ByState         map[State]int `json:"by_state"`
	Active          int           `json:"active"`
	Complete        int           `json:"complete"`
	Failed          int           `json:"failed"`
	Archived        int           `json:"archived"`
	OldestUpdatedAt int64         `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64         `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) add(t *Task) {
	if s.ByState == nil {
		s.ByState = make(map[State]int)
	}
	s.Total++
	s.ByState[t.State]++
	switch t.State {
	case StateComplete:
		s.Complete++
	case StateFailed:
		s.Failed++
	default:
		s.Active++
	}
	if t.Archived {
		s.Archived++
	}
	updated := t.UpdatedAt.Unix()
	if updated > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updated
	}
	if s.OldestUpdatedAt == 0 || (updated != 0 && updated < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = updated
	}
}
