package models

// CountBucket is the reporting category an action (or actionless target)
// lands in for aggregate status views.
type CountBucket int8

const (
	BucketNotStarted CountBucket = iota
	BucketScheduled
	BucketRunning
	BucketFinished
	BucketError
	BucketCancelled
)

func (b CountBucket) String() string {
	switch b {
	case BucketNotStarted:
		return "notstarted"
	case BucketScheduled:
		return "scheduled"
	case BucketRunning:
		return "running"
	case BucketFinished:
		return "finished"
	case BucketError:
		return "error"
	case BucketCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Bucket maps an action status to its reporting bucket. In-flight statuses
// (download, retrieved, warning) count as running; canceling counts as
// cancelled because the target is already lost to the group.
func (s ActionStatus) Bucket() CountBucket {
	switch s {
	case ActionStatusScheduled:
		return BucketScheduled
	case ActionStatusRunning, ActionStatusDownload, ActionStatusRetrieved,
		ActionStatusWarning, ActionStatusCancelRejected:
		return BucketRunning
	case ActionStatusFinished:
		return BucketFinished
	case ActionStatusError:
		return BucketError
	case ActionStatusCanceling, ActionStatusCanceled:
		return BucketCancelled
	}
	return BucketNotStarted
}

// TotalTargetCountStatus is the derived aggregate over a group's (or
// rollout's) targets. It is recomputed from persisted state on every read,
// never cached across evaluation ticks.
type TotalTargetCountStatus struct {
	NotStarted int64
	Scheduled  int64
	Running    int64
	Finished   int64
	Error      int64
	Cancelled  int64
}

func (c TotalTargetCountStatus) Total() int64 {
	return c.NotStarted + c.Scheduled + c.Running + c.Finished + c.Error + c.Cancelled
}

func (c *TotalTargetCountStatus) Add(bucket CountBucket, n int64) {
	switch bucket {
	case BucketNotStarted:
		c.NotStarted += n
	case BucketScheduled:
		c.Scheduled += n
	case BucketRunning:
		c.Running += n
	case BucketFinished:
		c.Finished += n
	case BucketError:
		c.Error += n
	case BucketCancelled:
		c.Cancelled += n
	}
}
