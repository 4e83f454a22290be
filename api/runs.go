package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/engine"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/run"
)

// errBadRequest marks malformed client input so statusFor can map it.
var errBadRequest = errors.New("api: bad request")

func badRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// submitRequest is the POST /v1/runs body.
type submitRequest struct {
	Playbook   *playbook.Playbook `json:"playbook"`
	Input      json.RawMessage    `json:"input,omitempty"`
	Priority   playbook.Priority  `json:"priority,omitempty"`
	WebhookURL string             `json:"webhook_url,omitempty"`
	OrgID      string             `json:"org_id,omitempty"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, badRequestf("decode body: %v", err))
		return
	}
	if req.Playbook == nil {
		a.respondError(w, badRequestf("missing playbook"))
		return
	}
	if req.Priority != "" && !req.Priority.Valid() {
		a.respondError(w, badRequestf("unknown priority %q", req.Priority))
		return
	}

	rn, err := a.eng.Submit(r.Context(), req.Playbook, engine.SubmitOptions{
		Input:      req.Input,
		Priority:   req.Priority,
		WebhookURL: req.WebhookURL,
		OrgID:      req.OrgID,
	})
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusCreated, rn)
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := listFilterFromQuery(r)
	if err != nil {
		a.respondError(w, err)
		return
	}
	runs, err := a.eng.ListRuns(r.Context(), filter)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, runs)
}

func listFilterFromQuery(r *http.Request) (run.ListFilter, error) {
	q := r.URL.Query()
	var filter run.ListFilter

	if s := q.Get("playbook_id"); s != "" {
		pbID, err := id.ParsePlaybookID(s)
		if err != nil {
			return filter, badRequestf("playbook_id: %v", err)
		}
		filter.PlaybookID = pbID
	}
	filter.OrgID = q.Get("org_id")
	filter.State = run.State(q.Get("state"))

	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	} {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return filter, badRequestf("%s: must be a non-negative integer", p.name)
		}
		*p.dst = n
	}
	return filter, nil
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		a.respondError(w, err)
		return
	}
	snap, err := a.eng.Snapshot(r.Context(), runID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, snap)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		a.respondError(w, err)
		return
	}
	if err := a.eng.Cancel(r.Context(), runID); err != nil {
		a.respondError(w, err)
		return
	}
	rn, err := a.eng.GetRun(r.Context(), runID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, rn)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		a.respondError(w, err)
		return
	}
	if err := a.eng.Resume(r.Context(), runID); err != nil {
		a.respondError(w, err)
		return
	}
	rn, err := a.eng.GetRun(r.Context(), runID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, rn)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, a.eng.Stats(r.Context()))
}

func pathRunID(r *http.Request) (id.RunID, error) {
	raw := mux.Vars(r)["id"]
	runID, err := id.ParseRunID(raw)
	if err != nil {
		return id.Nil, badRequestf("run id: %v", err)
	}
	return runID, nil
}
