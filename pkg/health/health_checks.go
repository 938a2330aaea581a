package health

import "fmt"

// ElectionCheck reports healthy while this node leads or follows a known
// leader. Without a leader it is degraded while a quorum of members has been
// heard from recently and unhealthy otherwise.
func ElectionCheck(status func() ElectionStatus) CheckFunc {
	return func() Check {
		s := status()

		check := Check{
			Name: "election",
			Details: map[string]any{
				"role":      s.Role,
				"term":      s.Term,
				"leader":    s.Leader,
				"members":   s.Members,
				"quorum":    s.Quorum,
				"reachable": s.Reachable,
			},
		}

		switch {
		case s.IsLeader:
			check.Status = StatusHealthy
			check.Message = fmt.Sprintf("leader for term %d", s.Term)
		case s.Leader != 0:
			check.Status = StatusHealthy
			check.Message = fmt.Sprintf("following node %d in term %d", s.Leader, s.Term)
		case s.Reachable < s.Quorum:
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("%d of %d members reachable, quorum is %d", s.Reachable, s.Members, s.Quorum)
		default:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("no leader known for term %d", s.Term)
		}

		return check
	}
}

// LeaderKnownCheck is a readiness check: ready once a leader exists for the
// current term.
func LeaderKnownCheck(status func() ElectionStatus) CheckFunc {
	return func() Check {
		s := status()
		if s.IsLeader || s.Leader != 0 {
			return Check{Name: "leader", Status: StatusHealthy}
		}
		return Check{Name: "leader", Status: StatusUnhealthy, Message: "election in progress"}
	}
}
