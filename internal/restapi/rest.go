package restapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cvmnode/cvmnode/internal/apikey"
	"github.com/cvmnode/cvmnode/internal/config"
	"github.com/cvmnode/cvmnode/internal/nodeerr"
	"github.com/cvmnode/cvmnode/internal/txn"
)

// contractAddressPattern matches spec.md §8's boundary exactly: "0x"
// followed by 32 hex characters, nothing more and nothing less.
var contractAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{32}$`)

// KeyResolver is the narrow interface the REST ingress needs from B.
type KeyResolver interface {
	Resolve(key string) (*apikey.Key, bool)
}

// Mempool is the narrow interface the REST ingress needs from E.
type Mempool interface {
	SubmitAndWait(ctx context.Context, tx txn.Transaction, timeout time.Duration) (*txn.ExecutionResult, error)
}

// RestServer is component G.
type RestServer struct {
	keys    KeyResolver
	pool    Mempool
	timeout time.Duration
}

// NewRestRouter builds the contract-addressed ingress router. logger
// may be nil, in which case slog.Default() is used.
func NewRestRouter(cfg config.RestAPIConfig, keys KeyResolver, pool Mempool, logger *slog.Logger) http.Handler {
	timeout := time.Duration(cfg.TxTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &RestServer{keys: keys, pool: pool, timeout: timeout}

	r := mux.NewRouter()
	r.Use(requestLoggerMiddleware(logger))
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.PathPrefix("/{address}/").Handler(http.HandlerFunc(s.handleContractRequest))
	r.HandleFunc("/{address}", s.handleContractRequest)
	return r
}

func (s *RestServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiKeyFromRequest resolves the caller's key following the
// header-then-query-param order spec.md §4.1 gives; whichever is found
// first wins and the others are never consulted.
func apiKeyFromRequest(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

func (s *RestServer) handleContractRequest(w http.ResponseWriter, r *http.Request) {
	key := apiKeyFromRequest(r)
	if key == "" {
		jsonError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	caller, ok := s.keys.Resolve(key)
	if !ok {
		jsonError(w, http.StatusUnauthorized, "invalid or revoked API key")
		return
	}

	vars := mux.Vars(r)
	address := vars["address"]
	if !contractAddressPattern.MatchString(address) {
		jsonError(w, http.StatusBadRequest, "malformed contract address: must be 0x followed by 32 hex characters")
		return
	}

	subPath := strings.TrimPrefix(r.URL.Path, "/"+address)
	if subPath == "" {
		subPath = "/"
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if strings.EqualFold(name, "X-API-Key") || strings.EqualFold(name, "Authorization") {
			continue
		}
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	txID := uuid.New().String()
	execReq := txn.ExecutionRequest{
		TxID:         txID,
		ContractAddr: address,
		Method:       r.Method,
		Path:         subPath,
		Headers:      headers,
		Body:         body,
	}
	payload, err := json.Marshal(execReq)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to encode execution request")
		return
	}

	tx := txn.Transaction{
		ID:        txID,
		Kind:      txn.ApiRequest,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Sender:    caller.Address,
	}

	result, err := s.pool.SubmitAndWait(r.Context(), tx, s.timeout)
	if err != nil {
		writeErr(w, err)
		return
	}

	if result.Error != "" {
		jsonError(w, nodeerr.ExecFailed.HTTPStatus(), result.Error)
		return
	}

	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(result.Body) > 0 {
		w.Write(result.Body)
	}
}
