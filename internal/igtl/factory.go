package igtl

import (
	"github.com/e7canasta/navlink/internal/types"
)

// TransformLookup resolves transform names to the latest known pose.
// Implemented by the frame buffer's transform repository.
type TransformLookup interface {
	Lookup(name string) (types.Matrix, types.ToolStatus, bool)
}

// PackTrackedFrame packs one tracked frame into the per-client message
// batch according to the client's subscription.
//
// The frame timestamp must already be converted to wire (UTC) seconds.
// When validOnly is set, transforms whose status is not usable are left
// out of TRANSFORM and TDATA messages. tdataDue gates TDATA production so
// the caller can honor the client's requested resolution.
func PackTrackedFrame(version uint16, ci *ClientInfo, frame *types.TrackedFrame, validOnly bool, repo TransformLookup, tdataDue bool) [][]byte {
	var messages [][]byte

	if ci.WantsMessageType(TypeTransform) {
		for _, name := range ci.TransformNames {
			matrix, status, found := repo.Lookup(name)
			if !found {
				continue
			}
			if validOnly && !status.Valid() {
				continue
			}
			messages = append(messages, PackTransform(version, name, frame.Timestamp, matrix))
		}
	}

	if ci.WantsMessageType(TypeString) {
		for _, name := range ci.StringNames {
			if value, ok := frame.Fields[name]; ok {
				messages = append(messages, PackString(version, name, frame.Timestamp, value))
			}
		}
	}

	if ci.TDATARequested && tdataDue {
		var elements []TDataElement
		for _, name := range ci.TransformNames {
			matrix, status, found := repo.Lookup(name)
			if !found {
				continue
			}
			if validOnly && !status.Valid() {
				continue
			}
			elements = append(elements, TDataElement{Name: name, Matrix: matrix})
		}
		if len(elements) > 0 {
			messages = append(messages, PackTData(version, "", frame.Timestamp, elements))
		}
	}

	return messages
}
