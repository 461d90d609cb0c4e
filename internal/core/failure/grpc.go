package failure

import (
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var grpcRules = map[codes.Code]int{
	codes.Unavailable:        ruleNetwork,
	codes.DeadlineExceeded:   ruleNetwork,
	codes.Aborted:            ruleNetwork,
	codes.Canceled:           ruleNetwork,
	codes.ResourceExhausted:  ruleRateLimit,
	codes.Unauthenticated:    ruleAuth,
	codes.PermissionDenied:   rulePermission,
	codes.InvalidArgument:    ruleValidation,
	codes.FailedPrecondition: ruleValidation,
	codes.OutOfRange:         ruleValidation,
	codes.AlreadyExists:      ruleValidation,
	codes.DataLoss:           ruleStorage,
}

// classifyGRPC handles errors carrying a gRPC status. The status code and
// the reason of an attached ErrorInfo are treated as embedded codes.
func classifyGRPC(err error, c Context) (*Error, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return nil, false
	}

	text := st.Message()
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			text += " " + info.GetReason()
		}
	}

	idx := matchText(strings.ToLower(text))
	if r, ok := grpcRules[st.Code()]; ok {
		idx = min(idx, r)
	}
	return build(idx, c, st.Code().String()+": "+text, err), true
}
