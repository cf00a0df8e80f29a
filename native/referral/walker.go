package referral

// StopReason explains why a walk ended.
type StopReason string

const (
	StopRoot     StopReason = "root"
	StopDangling StopReason = "dangling"
	StopDepth    StopReason = "depth"
	StopCycle    StopReason = "cycle"
)

// Walk returns the credits owed to the uplines of an account whose referrer code is
// startCode, nearest first.
func Walk(startCode string, dir *Directory, schedule Schedule) []Credit {
	credits, _ := WalkTrace(startCode, dir, schedule)
	return credits
}

// WalkTrace is Walk that also reports why the chain ended. Each account is credited
// at most once and the walk never runs past the schedule's depth, so a cyclic or
// dangling referral graph only shortens the result. Accounts in exclude are treated
// as already visited; the distributor passes the activating account so a cycle
// cannot pay it for its own activation.
func WalkTrace(startCode string, dir *Directory, schedule Schedule, exclude ...string) ([]Credit, StopReason) {
	credits := make([]Credit, 0, schedule.Depth())
	visited := make(map[string]struct{}, schedule.Depth()+len(exclude))
	for _, id := range exclude {
		visited[id] = struct{}{}
	}
	code := startCode
	for depth := 1; ; depth++ {
		if IsRoot(code) {
			return credits, StopRoot
		}
		id, ok := dir.Resolve(code)
		if !ok {
			return credits, StopDangling
		}
		amount, ok := schedule.AmountAt(depth)
		if !ok {
			return credits, StopDepth
		}
		if _, seen := visited[id]; seen {
			return credits, StopCycle
		}
		visited[id] = struct{}{}
		credits = append(credits, Credit{Depth: depth, AccountID: id, Amount: amount})

		next, ok := dir.Referrer(id)
		if !ok {
			return credits, StopDangling
		}
		code = next
	}
}
