// Package server exposes the match engine over a thin JSON/HTTP surface.
// The engine itself owns no wire format; everything here is translation.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/gridproject/pilotmatch/internal/common/auth"
	"github.com/gridproject/pilotmatch/internal/common/auth/property"
	"github.com/gridproject/pilotmatch/internal/common/util"
	"github.com/gridproject/pilotmatch/internal/pilotmatch/matching"
	"github.com/gridproject/pilotmatch/internal/pilotmatch/repository"
	"github.com/gridproject/pilotmatch/pkg/api"
)

type HealthChecker interface {
	Check() error
}

type MatchServer struct {
	engine     *matching.MatchEngine
	jobs       repository.JobRepository
	taskQueues repository.TaskQueueRepository
	health     HealthChecker

	authService    *auth.BasicAuthService
	allowAnonymous bool
}

func NewMatchServer(
	engine *matching.MatchEngine,
	jobs repository.JobRepository,
	taskQueues repository.TaskQueueRepository,
	health HealthChecker,
	authService *auth.BasicAuthService,
	allowAnonymous bool,
) *MatchServer {
	return &MatchServer{
		engine:         engine,
		jobs:           jobs,
		taskQueues:     taskQueues,
		health:         health,
		authService:    authService,
		allowAnonymous: allowAnonymous,
	}
}

func (s *MatchServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.HandleFunc("/match", s.handleMatch).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	return router
}

// authenticate resolves the caller's credentials and stores the principal in
// the request context for handlers to pick up.
func (s *MatchServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authService.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			if !s.allowAnonymous {
				writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *MatchServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Check(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *MatchServer) handleMatch(w http.ResponseWriter, r *http.Request) {
	var request api.MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	principal := auth.GetPrincipal(r.Context())
	result, err := s.engine.SelectJob(r.Context(), request.Offer, credentialsFromPrincipal(principal))
	if err != nil {
		writeMatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &api.MatchResponse{
		Matched:            result.Matched,
		JobId:              result.JobId,
		Payload:            result.Payload,
		OwnerDN:            result.OwnerDN,
		OwnerGroup:         result.OwnerGroup,
		Attributes:         result.Attributes,
		OptionalParameters: result.OptionalParameters,
	})
}

func (s *MatchServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var request api.JobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if request.Payload == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "payload is required")
		return
	}

	principal := auth.GetPrincipal(r.Context())
	ownerDN := request.OwnerDN
	if ownerDN == "" {
		ownerDN = principal.GetDN()
	}
	ownerGroup := request.OwnerGroup
	if ownerGroup == "" {
		ownerGroup = principal.GetGroup()
	}
	jobType := request.JobType
	if jobType == "" {
		jobType = matching.JobTypeNormal
	}

	jobId := util.NewULID()
	err := s.jobs.AddJob(jobId, map[string]string{
		"Status":     matching.JobStatusWaiting,
		"OwnerDN":    ownerDN,
		"OwnerGroup": ownerGroup,
		"JobType":    jobType,
	}, request.Payload, request.OptionalParameters)
	if err != nil {
		log.WithError(err).Error("failed to store submitted job")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	err = s.taskQueues.Enqueue(&repository.QueuedJob{
		JobId:      jobId,
		Priority:   request.Priority,
		OwnerDN:    ownerDN,
		OwnerGroup: ownerGroup,
		JobType:    jobType,
		Sites:      request.Sites,
		Platforms:  request.Platforms,
		CETypes:    request.CETypes,
		GridCEs:    request.GridCEs,
		Tags:       request.Tags,
	})
	if err != nil {
		log.WithError(err).Error("failed to enqueue submitted job")
		// Roll the record back so a retry cannot leave duplicates behind.
		if deleteErr := s.jobs.DeleteJob(jobId); deleteErr != nil {
			log.WithError(deleteErr).Errorf("failed to roll back record of job %s", jobId)
		}
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, &api.JobSubmitResponse{JobId: jobId})
}

func credentialsFromPrincipal(principal auth.Principal) matching.Credentials {
	properties := map[string]bool{}
	for _, p := range []property.Property{property.GenericPilot, property.PrivatePilot, property.JobSharing} {
		if principal.HasProperty(p) {
			properties[string(p)] = true
		}
	}
	return matching.Credentials{
		DN:         principal.GetDN(),
		Group:      principal.GetGroup(),
		Host:       principal.IsHost(),
		Properties: properties,
	}
}

func writeMatchError(w http.ResponseWriter, err error) {
	switch typed := err.(type) {
	case *matching.ErrInvalidOffer:
		writeError(w, http.StatusBadRequest, "invalid_offer", typed.Error())
	case *matching.ErrUnauthorized:
		writeError(w, http.StatusForbidden, "unauthorized", typed.Error())
	case *matching.ErrVersionRejected:
		writeError(w, http.StatusBadRequest, "version_rejected", typed.Error())
	case *matching.ErrStaleJobRecord:
		writeError(w, http.StatusServiceUnavailable, "stale_record", typed.Error())
	case *matching.ErrPayloadUnavailable:
		writeError(w, http.StatusInternalServerError, "payload_unavailable", typed.Error())
	case *matching.ErrStoreUnavailable:
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", typed.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, &api.ErrorResponse{Code: code, Message: message})
}
