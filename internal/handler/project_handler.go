package handler

import (
	"net/http"

	"github.com/hitoshi/projecthub/internal/middleware"
)

// addCommentRequest はPOST /api/projects/{id}/commentsのリクエストボディ。
type addCommentRequest struct {
	Content string `json:"content"`
}

// ProjectHandler はプロジェクト関連のHTTPハンドラ。
type ProjectHandler struct {
	service ProjectServiceInterface
}

// NewProjectHandler はProjectHandlerを生成する。
func NewProjectHandler(service ProjectServiceInterface) *ProjectHandler {
	return &ProjectHandler{service: service}
}

// ListProjects はユーザーのプロジェクト一覧を返す。
// GET /api/projects
func (h *ProjectHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	projects, err := h.service.ListProjects(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, projects)
}

// Dashboard はダッシュボードの集計値を返す。
// GET /api/dashboard
func (h *ProjectHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	dashboard, err := h.service.Dashboard(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, dashboard)
}

// AddComment はプロジェクトにコメントを投稿する。
// POST /api/projects/{id}/comments
func (h *ProjectHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	projectID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req addCommentRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	comment, err := h.service.AddComment(r.Context(), userID, projectID, req.Content)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, comment)
}
