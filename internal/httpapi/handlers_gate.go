package httpapi

import (
	"net"
	"net/http"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req types.GateRequest

	if isProtobuf(r) {
		var msg structpb.Struct
		if err := readProto(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, "bad_protobuf", "invalid protobuf body")
			return
		}
		var err error
		if req, err = gateRequestFromStruct(&msg); err != nil {
			writeError(w, http.StatusBadRequest, "bad_protobuf", err.Error())
			return
		}
	} else if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	req.ClientIP = clientIP(r)

	resp := s.gate.Scan(r.Context(), req)

	status := http.StatusOK
	if resp.Status == types.GateError {
		status = http.StatusInternalServerError
	}

	if acceptsProtobuf(r) {
		msg, err := gateResponseToStruct(resp)
		if err != nil {
			s.logger.ErrorContext(r.Context(), "encode gate response", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
		writeProto(w, status, msg)
		return
	}
	writeJSON(w, status, resp)
}

// clientIP is the TCP peer address. Forwarding headers are not trusted: the
// gate allow-list must not be spoofable.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
