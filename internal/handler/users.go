package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/etag"
	"github.com/sakif/identity-service/internal/model"
	"github.com/sakif/identity-service/internal/service"
)

// maxBodyBytes caps request bodies; user records are tiny.
const maxBodyBytes = 64 << 10

// UserHandler serves the /users resource.
//
// Reads carry an ETag and honour If-None-Match (304). PUT requires If-Match:
// the handler passes the header through and the service decides between
// 428, 412 and success.
type UserHandler struct {
	users  *service.UserService
	logger *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(users *service.UserService, logger *slog.Logger) *UserHandler {
	return &UserHandler{users: users, logger: logger}
}

// decodeBody reads a JSON request body into v.
//
// render.DecodeJSON drains the body after decoding so keep-alive connections
// stay reusable. Unknown fields are ignored.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return apperror.ValidationFailed("body", "request body must be a JSON object")
	}
	return nil
}

func notModified(r *http.Request, current string) bool {
	return etag.NotModified(r.Header.Get("If-None-Match"), current)
}

// HandleList returns one page of users.
//
// HTTP: GET /users?limit=50&offset=0
func (h *UserHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := h.users.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userList(page))
}

// HandleCreate registers a user.
//
// HTTP: POST /users
// REQUEST BODY: {"uni","student_name","email","dept_name?","phone?","avatar_url?"}
// RESPONSE: 201 with Location and ETag headers.
func (h *UserHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var in model.UserCreate
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	created, err := h.users.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", userPath(created.Value.UNI))
	w.Header().Set("ETag", created.ETag)
	writeJSON(w, http.StatusCreated, userResource(created.Value))
}

// HandleGetByUNI returns one user.
//
// HTTP: GET /users/{uni}
func (h *UserHandler) HandleGetByUNI(w http.ResponseWriter, r *http.Request) {
	uni, err := pathParam(r, "uni")
	if err != nil {
		writeError(w, err)
		return
	}
	user, err := h.users.GetByUNI(r.Context(), uni)
	if err != nil {
		writeError(w, err)
		return
	}
	writeTagged(w, r, http.StatusOK, user.ETag, userResource(user.Value))
}

// HandleGetByID returns one user by numeric id.
//
// HTTP: GET /users/by-id/{user_id}
func (h *UserHandler) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, apperror.ValidationFailed("user_id", "user_id must be a positive integer"))
		return
	}
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeTagged(w, r, http.StatusOK, user.ETag, userResource(user.Value))
}

// HandleGetByEmail resolves an email address to a user id.
//
// HTTP: GET /users/by-email/{email}
// Malformed address → 400; well-formed but unknown → 404.
func (h *UserHandler) HandleGetByEmail(w http.ResponseWriter, r *http.Request) {
	email, err := pathParam(r, "email")
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := h.users.LookupIDByEmail(r.Context(), email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EmailLookup{
		UserID: id,
		Links: Links{
			"self": {Href: "/users/by-email/" + url.PathEscape(email)},
			"user": {Href: userByIDPath(id)},
		},
	})
}

// HandleProfile returns the public profile view, with its own ETag.
//
// HTTP: GET /users/{uni}/profile
func (h *UserHandler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	uni, err := pathParam(r, "uni")
	if err != nil {
		writeError(w, err)
		return
	}
	profile, err := h.users.GetProfile(r.Context(), uni)
	if err != nil {
		writeError(w, err)
		return
	}
	writeTagged(w, r, http.StatusOK, profile.ETag, profileResource(profile.Value))
}

// HandleReplace overwrites student_name, dept_name and phone.
//
// HTTP: PUT /users/{uni}
// HEADERS: If-Match: "<etag from the last read>"
//
// The If-Match check comes before body parsing: a write without a
// precondition is refused whatever it carries.
func (h *UserHandler) HandleReplace(w http.ResponseWriter, r *http.Request) {
	uni, err := pathParam(r, "uni")
	if err != nil {
		writeError(w, err)
		return
	}
	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		writeError(w, apperror.PreconditionRequired("If-Match header is required for this request"))
		return
	}

	var in model.UserReplace
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	updated, err := h.users.Replace(r.Context(), uni, ifMatch, in)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", updated.ETag)
	writeJSON(w, http.StatusOK, userResource(updated.Value))
}

// HandleDelete removes a user.
//
// HTTP: DELETE /users/{uni}
// RESPONSE: 200 {"deleted": "<uni>"}; 404 if the user never existed.
func (h *UserHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	uni, err := pathParam(r, "uni")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.users.Delete(r.Context(), uni); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": uni,
		"_links":  Links{"collection": {Href: "/users"}},
	})
}

// pathParam returns a decoded URL parameter.
//
// chi matches on r.URL.RawPath when it is set (the client used a
// non-canonical escaping such as %40) and on the already decoded
// r.URL.Path otherwise, so only the first case needs unescaping.
func pathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(v)
		if err != nil {
			return "", apperror.ValidationFailed(name, name+" is not a valid path segment")
		}
		v = unescaped
	}
	if v == "" {
		return "", apperror.ValidationFailed(name, name+" is not a valid path segment")
	}
	return v, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed(name, name+" must be a non-negative integer")
	}
	return n, nil
}
