package restapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cvmnode/cvmnode/internal/apikey"
	"github.com/cvmnode/cvmnode/internal/container"
)

// KeyIssuer is the narrow interface the admin ingress needs from B.
type KeyIssuer interface {
	KeyResolver
	Issue(address string) (*apikey.Key, error)
	Revoke(key string) error
	List() []apikey.Key
}

// ContainerAdmin is the narrow interface the admin ingress needs from C.
type ContainerAdmin interface {
	Create(ctx context.Context, spec container.CreateSpec) (*container.ContractContainer, error)
	List() []container.ContractContainer
	Remove(ctx context.Context, address string) error
}

// AdminServer is component H.
type AdminServer struct {
	keys       KeyIssuer
	containers ContainerAdmin
}

// NewAdminRouter builds the operator-facing admin router, bound on a
// separate address from the contract-addressed REST ingress. logger
// may be nil, in which case slog.Default() is used.
func NewAdminRouter(keys KeyIssuer, containers ContainerAdmin, logger *slog.Logger) http.Handler {
	s := &AdminServer{keys: keys, containers: containers}

	r := mux.NewRouter()
	r.Use(requestLoggerMiddleware(logger))
	r.Use(s.authMiddleware)

	r.HandleFunc("/api-keys", s.handleIssueKey).Methods(http.MethodPost)
	r.HandleFunc("/api-keys", s.handleListKeys).Methods(http.MethodGet)
	r.HandleFunc("/api-keys/{key}", s.handleRevokeKey).Methods(http.MethodDelete)
	r.HandleFunc("/cvm/create_container", s.handleCreateContainer).Methods(http.MethodPost)
	r.HandleFunc("/cvm/list_containers", s.handleListContainers).Methods(http.MethodGet)
	r.HandleFunc("/cvm/remove_container", s.handleRemoveContainer).Methods(http.MethodDelete)
	return r
}

// authMiddleware requires an existing API key on every admin endpoint
// except the bootstrap issuance path (POST /api-keys), which must be
// reachable before any key exists at all.
func (s *AdminServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api-keys" {
			next.ServeHTTP(w, r)
			return
		}

		key := apiKeyFromRequest(r)
		if key == "" {
			jsonError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if _, ok := s.keys.Resolve(key); !ok {
			jsonError(w, http.StatusUnauthorized, "invalid or revoked API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type issueKeyRequest struct {
	Address string `json:"address"`
}

func (s *AdminServer) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Address == "" {
		jsonError(w, http.StatusBadRequest, "address is required")
		return
	}

	rec, err := s.keys.Issue(req.Address)
	if err != nil {
		writeErr(w, err)
		return
	}

	jsonResponse(w, http.StatusCreated, map[string]string{"api_key": rec.Key})
}

// keyView is the wire shape spec.md §6 documents for GET /api-keys:
// [{api_key,address}], not apikey.Key's full record.
type keyView struct {
	APIKey  string `json:"api_key"`
	Address string `json:"address"`
}

func (s *AdminServer) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.keys.List()
	views := make([]keyView, len(keys))
	for i, k := range keys {
		views[i] = keyView{APIKey: k.Key, Address: k.Address}
	}
	jsonResponse(w, http.StatusOK, views)
}

func (s *AdminServer) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.keys.Revoke(key); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createContainerRequest's JSON tags follow spec.md §6's wire names for
// POST /cvm/create_container (agent_name/path/docker_compose), not
// CreateSpec's Go field names. The quota field is doubly-tagged: §6's
// own wire example spells it daily_call_quote, but ContractContainer's
// attribute (and every other mention in spec.md) spells it
// daily_call_quota. Both are accepted; daily_call_quota wins if a
// caller somehow sends both.
type createContainerRequest struct {
	AgentName         string                      `json:"agent_name"`
	Name              string                      `json:"name"`
	Description       string                      `json:"description"`
	Image             string                      `json:"image"`
	Compose           string                      `json:"docker_compose"`
	AuthorizationType container.AuthorizationType `json:"authorization_type"`
	PathPrefix        string                      `json:"path"`
	DailyCallQuota    int                         `json:"daily_call_quota"`
	DailyCallQuote    int                         `json:"daily_call_quote"`
}

// containerView is the wire shape spec.md §6 documents for the
// create_container response: {address,state}.
type containerView struct {
	Address string          `json:"address"`
	State   container.State `json:"state"`
}

func (s *AdminServer) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		req.Name = req.AgentName
	}
	if req.Name == "" {
		jsonError(w, http.StatusBadRequest, "name is required")
		return
	}

	quota := req.DailyCallQuote
	if req.DailyCallQuota != 0 {
		quota = req.DailyCallQuota
	}

	c, err := s.containers.Create(r.Context(), container.CreateSpec{
		Name:              req.Name,
		Description:       req.Description,
		Image:             req.Image,
		Compose:           req.Compose,
		AuthorizationType: req.AuthorizationType,
		PathPrefix:        req.PathPrefix,
		DailyCallQuota:    quota,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	jsonResponse(w, http.StatusCreated, containerView{Address: c.Address, State: c.State})
}

func (s *AdminServer) handleListContainers(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.containers.List())
}

type removeContainerRequest struct {
	ID string `json:"id"`
}

func (s *AdminServer) handleRemoveContainer(w http.ResponseWriter, r *http.Request) {
	var req removeContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ID == "" {
		jsonError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.containers.Remove(r.Context(), req.ID); err != nil {
		writeErr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
