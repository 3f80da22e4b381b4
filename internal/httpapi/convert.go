package httpapi

import (
	"encoding/json"
	"errors"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// Kiosks that speak protobuf send the gate request as a google.protobuf.Struct
// with the same keys as the JSON body, and get the response back the same way.

var errBadStruct = errors.New("gate request: unexpected field")

func gateRequestFromStruct(s *structpb.Struct) (types.GateRequest, error) {
	var req types.GateRequest
	for k, v := range s.GetFields() {
		switch k {
		case "image":
			req.Image = v.GetStringValue()
		case "qr_data":
			req.QRData = v.GetStringValue()
		default:
			return types.GateRequest{}, errBadStruct
		}
	}
	return req, nil
}

func gateResponseToStruct(r types.GateResponse) (*structpb.Struct, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}
