package admin

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/publication"
	"github.com/slipstream-db/slipstream/subscription"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()
	r.Use(chiAuthMiddleware)

	r.Get("/status", handlers.handleStatus)
	r.Get("/slots", handlers.handleListSlots)

	r.Route("/publications", func(r chi.Router) {
		r.Get("/", handlers.handleListPublications)
		r.Post("/", handlers.handleCreatePublication)
		r.Delete("/{name}", handlers.handleDropPublication)
		r.Post("/{name}/tables", handlers.handleAddTable)
		r.Delete("/{name}/tables/{table}", handlers.handleRemoveTable)
	})

	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", handlers.handleListSubscriptions)
		r.Post("/", handlers.handleCreateSubscription)
		r.Get("/{name}", handlers.handleGetSubscription)
		r.Delete("/{name}", handlers.handleDropSubscription)
		r.Post("/{name}/refresh", handlers.handleRefreshSubscription)
		r.Post("/{name}/disable", handlers.handleDisableSubscription)
		r.Post("/{name}/resume", handlers.handleResumeSubscription)
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, statusView{
		HeadPosition:  h.changeFeed.Head(),
		SlotCapacity:  h.slots.Capacity(),
		SlotsInUse:    len(h.slots.List()),
		Publications:  len(h.publications.List()),
		Subscriptions: len(h.subscriptions.List()),
	})
}

func (h *Handlers) handleListSlots(w http.ResponseWriter, r *http.Request) {
	slots := h.slots.List()
	views := make([]slotView, 0, len(slots))
	for _, s := range slots {
		views = append(views, slotView{
			Name:              s.Name,
			Kind:              s.Kind.String(),
			Active:            s.Active,
			ConfirmedPosition: s.ConfirmedPosition,
			RestartPosition:   s.RestartPosition,
			Owner:             s.OwnerSubscription,
		})
	}
	writeJSONResponse(w, views)
}

func (h *Handlers) handleListPublications(w http.ResponseWriter, r *http.Request) {
	pubs := h.publications.List()
	views := make([]publicationView, 0, len(pubs))
	for _, p := range pubs {
		view := publicationView{
			Name:      p.Name,
			AllTables: p.Mode == publication.ModeAllTables,
		}
		for _, tf := range p.Tables {
			view.Tables = append(view.Tables, fmt.Sprintf("%s (%s)", tf.Table, tf.Ops))
		}
		views = append(views, view)
	}
	writeJSONResponse(w, views)
}

func (h *Handlers) handleCreatePublication(w http.ResponseWriter, r *http.Request) {
	var req createPublicationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeErrorResponse(w, http.StatusBadRequest, "publication name is required")
		return
	}

	mode := publication.ModeTables
	if req.AllTables {
		mode = publication.ModeAllTables
	}
	if err := h.publications.Create(req.Name, mode); err != nil {
		writeErrorResponse(w, statusCode(err), err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"name": req.Name})
}

func (h *Handlers) handleDropPublication(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.publications.Drop(name); err != nil {
		writeErrorResponse(w, statusCode(err), err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"dropped": name})
}

func (h *Handlers) handleAddTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req addTableRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Table == "" {
		writeErrorResponse(w, http.StatusBadRequest, "table name is required")
		return
	}

	ops, err := publication.ParseOpFilter(req.Operations)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.publications.AddTable(name, req.Table, ops); err != nil {
		writeErrorResponse(w, statusCode(err), err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"publication": name, "table": req.Table})
}

func (h *Handlers) handleRemoveTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	table := chi.URLParam(r, "table")
	if err := h.publications.RemoveTable(name, table); err != nil {
		writeErrorResponse(w, statusCode(err), err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"publication": name, "removed": table})
}

func (h *Handlers) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := h.subscriptions.List()
	views := make([]subscriptionView, 0, len(subs))
	for _, st := range subs {
		views = append(views, subscriptionToView(st))
	}
	writeJSONResponse(w, views)
}

func (h *Handlers) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, ok := h.subscriptions.Get(name)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "subscription not found: "+name)
		return
	}
	writeJSONResponse(w, subscriptionToView(st))
}

func (h *Handlers) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Publication == "" {
		writeErrorResponse(w, http.StatusBadRequest, "subscription name and publication are required")
		return
	}

	copyData := true
	if req.CopyData != nil {
		copyData = *req.CopyData
	}
	if err := h.subscriptions.Create(req.Name, req.Publication, copyData); err != nil {
		writeErrorResponse(w, statusCode(err), err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"name": req.Name})
}

func (h *Handlers) handleDropSubscription(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.subscriptions.Drop(name); err != nil {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"dropped": name})
}

func (h *Handlers) handleRefreshSubscription(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.subscriptions.Refresh(name); err != nil {
		writeErrorResponse(w, statusCode(err), err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"refreshed": name})
}

func (h *Handlers) handleDisableSubscription(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.subscriptions.Disable(name); err != nil {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"disabled": name})
}

func (h *Handlers) handleResumeSubscription(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.subscriptions.Resume(name); err != nil {
		writeErrorResponse(w, statusCode(err), err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"resumed": name})
}

func subscriptionToView(st subscription.Status) subscriptionView {
	view := subscriptionView{
		Name:        st.Name,
		Publication: st.Publication,
		State:       st.State.String(),
		LastError:   st.LastError,
	}
	for _, task := range st.Tasks {
		view.Tasks = append(view.Tasks, taskView{
			Table:            task.Table,
			State:            task.State.String(),
			SnapshotPosition: task.SnapshotPosition,
			Error:            task.Error,
		})
	}
	return view
}
