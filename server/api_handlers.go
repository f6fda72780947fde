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

const collectFollowersMaxPages = 5

// Client-facing REST endpoints, guarded by API key.
type apiHandlerGroup struct {
	cfg       *shared.Config
	logger    shared.ILogger
	actors    logic.IActorCache
	paginator logic.ICollectionPaginator
	reAcct    *regexp.Regexp
}

func NewApiHandlerGroup(
	cfg *shared.Config,
	logger shared.ILogger,
	actors logic.IActorCache,
	paginator logic.ICollectionPaginator,
) IHandlerGroup {
	res := apiHandlerGroup{
		cfg:       cfg,
		logger:    logger,
		actors:    actors,
		paginator: paginator,
	}
	res.reAcct = regexp.MustCompile("^@?([^@]+)@([^@]+)$")
	return &res
}

func (hg *apiHandlerGroup) Prefix() string {
	return "/api/v1"
}

func (hg *apiHandlerGroup) GroupDefs() []handlerDef {
	return []handlerDef{
		{"POST", "/accounts", func(w http.ResponseWriter, r *http.Request) { hg.postAccounts(w, r) }},
		{"PATCH", "/accounts/{handle}", func(w http.ResponseWriter, r *http.Request) { hg.patchAccount(w, r) }},
		{"GET", "/accounts/{handle}/notifications", func(w http.ResponseWriter, r *http.Request) { hg.getNotifications(w, r) }},
		{"GET", "/lookup", func(w http.ResponseWriter, r *http.Request) { hg.getLookup(w, r) }},
		{"GET", "/remote-followers", func(w http.ResponseWriter, r *http.Request) { hg.getRemoteFollowers(w, r) }},
	}
}

func (hg *apiHandlerGroup) AuthMW() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return hg.authMW(next)
	}
}

func (hg *apiHandlerGroup) authMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var apiKey = r.Header.Get(apiKeyHeader)
		found := false
		for _, key := range hg.cfg.Secrets.ApiKeys {
			if apiKey == key {
				found = true
			}
		}
		if !found {
			keyPart := apiKey
			if len(apiKey) > 4 {
				keyPart = apiKey[:4] + "..."
			}
			hg.logger.Warnf("API request with missing or invalid key '%s': %s", keyPart, r.URL.Path)
			writeErrorResponse(w, badApiKeyStr, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (hg *apiHandlerGroup) postAccounts(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling accounts POST: %s", r.URL.Path)

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	var req dto.AccountCreateReq
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		writeErrorResponse(w, "Request body is not valid JSON", http.StatusBadRequest)
		return
	}

	actor, reqProblem, err := hg.actors.CreateLocal(req.Handle, req.Name, req.Summary, req.IsAdmin)
	if err != nil {
		hg.logger.Errorf("Error creating account %s: %v", req.Handle, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if reqProblem != "" {
		writeErrorResponse(w, reqProblem, http.StatusBadRequest)
		return
	}

	resp := dto.AccountView{
		Id:        actor.LocalId,
		Url:       actor.Url,
		Handle:    actor.Handle,
		Name:      actor.Name,
		Summary:   actor.Summary,
		CreatedAt: actor.CreatedAt,
	}
	writeJsonResponse(hg.logger, w, resp)
}

type profilePatchReq struct {
	Summary     string   `json:"note"`
	AlsoKnownAs []string `json:"also_known_as"`
}

func (hg *apiHandlerGroup) patchAccount(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling account PATCH: %s", r.URL.Path)
	handle := mux.Vars(r)["handle"]

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	var req profilePatchReq
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		writeErrorResponse(w, "Request body is not valid JSON", http.StatusBadRequest)
		return
	}

	reqProblem, err := hg.actors.UpdateLocalProfile(handle, req.Summary, req.AlsoKnownAs)
	if err != nil {
		hg.logger.Errorf("Error updating profile of %s: %v", handle, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if reqProblem != "" {
		writeErrorResponse(w, reqProblem, http.StatusBadRequest)
		return
	}
	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *apiHandlerGroup) getNotifications(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling notifications GET: %s", r.URL.Path)
	handle := mux.Vars(r)["handle"]

	var maxId int64
	if maxIdStr := r.URL.Query().Get("max_id"); maxIdStr != "" {
		if val, err := strconv.ParseInt(maxIdStr, 10, 64); err == nil {
			maxId = val
		}
	}

	notifs, err := hg.paginator.GetNotificationsPage(handle, maxId)
	if err != nil {
		hg.logger.Errorf("Error retrieving notifications of %s: %v", handle, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if notifs == nil {
		writeErrorResponse(w, "No such account", http.StatusNotFound)
		return
	}
	writeJsonResponse(hg.logger, w, notifs)
}

func (hg *apiHandlerGroup) getLookup(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling lookup GET: %s", r.URL.RequestURI())

	acct := r.URL.Query().Get("acct")
	groups := hg.reAcct.FindStringSubmatch(acct)
	if groups == nil {
		writeErrorResponse(w, "Missing or invalid 'acct' param", http.StatusBadRequest)
		return
	}

	actor, err := hg.actors.ResolveHandle(groups[1], groups[2])
	if err != nil {
		if logic.IsResolutionError(err) {
			msg := fmt.Sprintf("Cannot resolve account: %v", err)
			writeErrorResponse(w, msg, http.StatusNotFound)
			return
		}
		hg.logger.Errorf("Error resolving %s: %v", acct, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	resp := dto.AccountView{
		Id:        actor.LocalId,
		Url:       actor.Url,
		Handle:    actor.Handle,
		Name:      actor.Name,
		Summary:   actor.Summary,
		CreatedAt: actor.CreatedAt,
	}
	writeJsonResponse(hg.logger, w, resp)
}

func (hg *apiHandlerGroup) getRemoteFollowers(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling remote followers GET: %s", r.URL.RequestURI())

	acct := r.URL.Query().Get("acct")
	groups := hg.reAcct.FindStringSubmatch(acct)
	if groups == nil {
		writeErrorResponse(w, "Missing or invalid 'acct' param", http.StatusBadRequest)
		return
	}

	members, err := hg.paginator.CollectRemoteFollowers(groups[1], groups[2], collectFollowersMaxPages)
	if err != nil {
		if logic.IsResolutionError(err) {
			msg := fmt.Sprintf("Cannot resolve collection: %v", err)
			writeErrorResponse(w, msg, http.StatusNotFound)
			return
		}
		hg.logger.Errorf("Error collecting followers of %s: %v", acct, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	resp := make([]dto.AccountView, 0, len(members))
	for _, m := range members {
		resp = append(resp, dto.AccountView{
			Id:        m.LocalId,
			Url:       m.Url,
			Handle:    m.Handle,
			Name:      m.Name,
			Summary:   m.Summary,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJsonResponse(hg.logger, w, resp)
}
