package bridge

import (
	"errors"
	"fmt"

	"github.com/raftkv/enginebridge/pkg/common"
)

// ErrSnapshotCancelled reports a transfer stopped by an explicit
// cancellation from the replication layer, not by a failure.
var ErrSnapshotCancelled = errors.New("snapshot cancelled")

// ApplyError is the only error shape the replication layer sees for a failed
// foreign operation: the raw status never crosses the adapter boundary.
type ApplyError struct {
	RegionId  uint64
	Epoch     common.RegionEpoch
	Op        string
	Code      common.Err
	Transient bool
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s failed for region %d at epoch %d/%d: %s",
		e.Op, e.RegionId, e.Epoch.Version, e.Epoch.ConfVersion, e.Code)
}

// Retryable reports whether the caller may retry, either because the code is
// retryable by taxonomy or because the engine flagged the failure transient.
func (e *ApplyError) Retryable() bool {
	return e.Code.Retryable() || e.Transient
}

// AsApplyError unwraps err into an ApplyError if it carries one.
func AsApplyError(err error) (*ApplyError, bool) {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// translate turns a foreign status into the adapter's error shape. OK maps
// to nil; everything else is tagged with the region and epoch the operation
// targeted.
func translate(st common.StatusCode, op string, regionId uint64, epoch common.RegionEpoch) error {
	if st == common.StatusOK {
		return nil
	}
	return &ApplyError{
		RegionId:  regionId,
		Epoch:     epoch,
		Op:        op,
		Code:      st.Err(),
		Transient: st.Transient(),
	}
}

// localErr builds an ApplyError for a failure detected on the host side
// before any foreign call was made.
func localErr(code common.Err, op string, regionId uint64, epoch common.RegionEpoch) error {
	return &ApplyError{RegionId: regionId, Epoch: epoch, Op: op, Code: code}
}
