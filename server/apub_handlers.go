package server

import (
	"encoding/json"
	"fmt"
	"github.com/gorilla/mux"
	"net/http"
	"regexp"
	"strconv"
	"waxwing/dto"
	"waxwing/logic"
	"waxwing/shared"
)

// Groups together the handlers needed to implement an ActivityPub server.
type apubHandlerGroup struct {
	cfg        *shared.Config
	logger     shared.ILogger
	metrics    logic.IMetrics
	sigChecker logic.IHttpSigChecker
	dir        logic.IDirectory
	paginator  logic.ICollectionPaginator
	inbox      logic.IInbox
	reResource *regexp.Regexp
}

func NewApubHandlerGroup(
	cfg *shared.Config,
	logger shared.ILogger,
	metrics logic.IMetrics,
	sigChecker logic.IHttpSigChecker,
	dir logic.IDirectory,
	paginator logic.ICollectionPaginator,
	ibox logic.IInbox,
) IHandlerGroup {
	res := apubHandlerGroup{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		sigChecker: sigChecker,
		dir:        dir,
		paginator:  paginator,
		inbox:      ibox,
	}
	res.reResource = regexp.MustCompile("^acct:([^@]+)@([^@]+)$")
	return &res
}

func (hg *apubHandlerGroup) Prefix() string {
	return ""
}

func (hg *apubHandlerGroup) GroupDefs() []handlerDef {
	return []handlerDef{
		{"GET", "/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) { hg.getWebfinger(w, r) }},
		{"GET", "/u/{user}", func(w http.ResponseWriter, r *http.Request) { hg.getUser(w, r) }},
		{"GET", "/u/{user}/outbox", func(w http.ResponseWriter, r *http.Request) { hg.getUserOutbox(w, r) }},
		{"GET", "/u/{user}/followers", func(w http.ResponseWriter, r *http.Request) { hg.getUserFollowers(w, r) }},
		{"GET", "/u/{user}/following", func(w http.ResponseWriter, r *http.Request) { hg.getUserFollowing(w, r) }},
		{"GET", "/u/{user}/status/{id}", func(w http.ResponseWriter, r *http.Request) { hg.getUserStatus(w, r) }},
		{"POST", "/u/{user}/inbox", func(w http.ResponseWriter, r *http.Request) { hg.postInbox(w, r) }},
		{"POST", "/inbox", func(w http.ResponseWriter, r *http.Request) { hg.postInbox(w, r) }},
	}
}

func (hg *apubHandlerGroup) AuthMW() func(next http.Handler) http.Handler {
	return emptyMW
}

// getPageParams reads the cursor query params. wantPage says the caller
// asked for a page rather than the collection summary.
func getPageParams(r *http.Request) (wantPage bool, maxId int64) {
	query := r.URL.Query()
	if query.Get("page") != "" {
		wantPage = true
	}
	if maxIdStr := query.Get("max_id"); maxIdStr != "" {
		if val, err := strconv.ParseInt(maxIdStr, 10, 64); err == nil && val > 0 {
			wantPage = true
			maxId = val
		}
	}
	return
}

func (hg *apubHandlerGroup) getWebfinger(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling webfinger GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("webfinger")
	defer obs.Finish()

	resourceParam := r.URL.Query().Get("resource")
	groups := hg.reResource.FindStringSubmatch(resourceParam)
	if groups == nil {
		hg.logger.Infof("Webfinger: Invalid request; 'resource' param is '%s'", resourceParam)
		writeErrorResponse(w, "Missing or invalid 'resource' param", http.StatusBadRequest)
		return
	}
	user, host := groups[1], groups[2]
	if host != hg.cfg.Host {
		hg.logger.Infof("Webfinger: Request for foreign host '%s'", host)
		writeErrorResponse(w, "No such resource", http.StatusNotFound)
		return
	}

	resp, err := hg.dir.GetWebfinger(user)
	if err != nil {
		hg.logger.Errorf("Webfinger: Error retrieving %s: %v", user, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if resp == nil {
		hg.logger.Infof("Webfinger: No such resource; 'resource' param is '%s'", resourceParam)
		writeErrorResponse(w, "No such resource", http.StatusNotFound)
		return
	}

	writeJsonResponse(hg.logger, w, resp)
}

func (hg *apubHandlerGroup) getUser(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user")
	defer obs.Finish()
	userName := mux.Vars(r)["user"]

	actorDoc, err := hg.dir.GetActorDoc(userName)
	if err != nil {
		hg.logger.Errorf("Error retrieving actor %s: %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if actorDoc == nil {
		hg.logger.Infof("Info requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/activity+json")
	writeJsonResponse(hg.logger, w, actorDoc)
}

func (hg *apubHandlerGroup) getUserStatus(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user status GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/status")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	statusIdStr := mux.Vars(r)["id"]
	statusId, convErr := strconv.ParseInt(statusIdStr, 10, 64)
	if convErr != nil {
		writeErrorResponse(w, "Invalid status ID", http.StatusBadRequest)
		return
	}

	var err error
	var note *dto.Note
	if note, err = hg.dir.GetStatusNote(userName, statusId); err != nil {
		hg.logger.Errorf("Error retrieving status %s/%s: %v", userName, statusIdStr, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if note == nil {
		hg.logger.Infof("User status not found: %s/%s", userName, statusIdStr)
		writeErrorResponse(w, "User or status not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/activity+json")
	writeJsonResponse(hg.logger, w, note)
}

func (hg *apubHandlerGroup) getUserOutbox(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user outbox GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/outbox")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	wantPage, maxId := getPageParams(r)

	if wantPage {
		page, err := hg.paginator.GetOutboxPage(userName, maxId)
		if err != nil {
			hg.logger.Errorf("Error retrieving outbox page of %s: %v", userName, err)
			writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
			return
		}
		if page == nil {
			hg.logger.Infof("Outbox requested for unknown user: '%s'", userName)
			writeErrorResponse(w, "No such user", http.StatusNotFound)
			return
		}
		writeJsonResponse(hg.logger, w, page)
		return
	}

	summary, err := hg.dir.GetOutboxSummary(userName)
	if err != nil {
		hg.logger.Errorf("Error retrieving outbox of %s: %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if summary == nil {
		hg.logger.Infof("Outbox requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}
	writeJsonResponse(hg.logger, w, summary)
}

func (hg *apubHandlerGroup) getUserFollowers(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user followers GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/followers")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	wantPage, maxId := getPageParams(r)

	if wantPage {
		page, err := hg.paginator.GetFollowersPage(userName, maxId)
		if err != nil {
			hg.logger.Errorf("Error retrieving followers page of %s: %v", userName, err)
			writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
			return
		}
		if page == nil {
			hg.logger.Infof("Followers requested for unknown user: '%s'", userName)
			writeErrorResponse(w, "No such user", http.StatusNotFound)
			return
		}
		writeJsonResponse(hg.logger, w, page)
		return
	}

	summary, err := hg.dir.GetFollowersSummary(userName)
	if err != nil {
		hg.logger.Errorf("Error retrieving followers of %s: %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if summary == nil {
		hg.logger.Infof("Followers requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}
	writeJsonResponse(hg.logger, w, summary)
}

func (hg *apubHandlerGroup) getUserFollowing(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user following GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/following")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	summary, err := hg.dir.GetFollowingSummary(userName)
	if err != nil {
		hg.logger.Errorf("Error retrieving following of %s: %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if summary == nil {
		hg.logger.Infof("Following requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}
	writeJsonResponse(hg.logger, w, summary)
}

func (hg *apubHandlerGroup) postInbox(w http.ResponseWriter, r *http.Request) {

	var err error
	hg.logger.Infof("Handling inbox POST: %s", r.URL.Path)
	userName := mux.Vars(r)["user"]

	if userName == "" {
		obs := hg.metrics.StartApubRequestIn("inbox")
		defer obs.Finish()
	} else {
		obs := hg.metrics.StartApubRequestIn("user/inbox")
		defer obs.Finish()
	}

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil || len(bodyBytes) == 0 {
		hg.logger.Info("Empty request body")
		writeErrorResponse(w, "Request body must not be empty", http.StatusBadRequest)
		return
	}

	// First, parse a rudimentary version of the activity to check signature
	var act dto.ActivityInBase
	if err = json.Unmarshal(bodyBytes, &act); err != nil {
		hg.logger.Infof("Invalid JSON in request body: %v", err)
		writeErrorResponse(w, "Request body is not valid JSON", http.StatusBadRequest)
		return
	}

	// Verify signature; this resolves the sender into the cache too
	senderActor, sigProblem, err := hg.sigChecker.Check(act.Actor, w, r)
	if err != nil {
		hg.logger.Errorf("Unexpected error trying to verify signature: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if sigProblem != "" {
		if act.Type == "Delete" {
			// Deletes of actors we never knew arrive unverifiable in bulk;
			// acknowledging them quiets the retries.
			hg.logger.Infof("Ignoring Delete request with unverified actor signature")
			w.WriteHeader(http.StatusAccepted)
		} else {
			hg.logger.Warnf("Incorrectly signed inbox POST request: %s", sigProblem)
			msg := fmt.Sprintf("Invalid HTTP signature: %s", sigProblem)
			writeErrorResponse(w, msg, http.StatusUnauthorized)
		}
		return
	}

	var reqProblem string
	reqProblem, err = hg.inbox.HandleActivity(userName, senderActor, bodyBytes)

	if err != nil {
		hg.logger.Errorf("Error handling inbox activity: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if reqProblem != "" {
		hg.logger.Infof("Invalid '%s' request: %s", act.Type, reqProblem)
		msg := fmt.Sprintf("Bad request: %s", reqProblem)
		writeErrorResponse(w, msg, http.StatusBadRequest)
		return
	}

	// Accepted, no body: processing is complete but delivery of any
	// follow-on activities happens asynchronously.
	w.WriteHeader(http.StatusAccepted)
}
