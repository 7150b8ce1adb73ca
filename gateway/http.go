package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/aigw/chat"
	"goa.design/aigw/dialect"
	"goa.design/aigw/files"
	"goa.design/aigw/kb"
)

type (
	// ServerOptions configures the HTTP server.
	ServerOptions struct {
		// Gateway serves completions and model listings. Required.
		Gateway *Gateway

		// APIKey authenticates bearer tokens on /v1/*. Required.
		APIKey string

		// Files serves the file management endpoints. Optional; when nil
		// those endpoints respond with service_unavailable.
		Files *files.Service

		// KB serves the knowledge base endpoints. Optional, with the same
		// degradation as Files.
		KB *kb.Service

		// Pingers report dependency health on GET /health.
		Pingers []health.Pinger
	}

	// Server mounts the gateway endpoints on a goa HTTP muxer.
	Server struct {
		gw     *Gateway
		apiKey string
		files  *files.Service
		kb     *kb.Service
		check  http.HandlerFunc
		mux    goahttp.Muxer
		mounts []*MountPoint
	}

	// MountPoint holds information about a mounted endpoint.
	MountPoint struct {
		// Method is the name of the operation served.
		Method string
		// Verb is the HTTP method.
		Verb string
		// Pattern is the HTTP path pattern.
		Pattern string
	}

	errorBody struct {
		Error errorDetail `json:"error"`
	}

	errorDetail struct {
		Type    string         `json:"type"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	}

	modelBody struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created,omitempty"`
		OwnedBy string `json:"owned_by"`
	}

	modelList struct {
		Object string       `json:"object"`
		Data   []*modelBody `json:"data"`
	}

	fileBody struct {
		ID        string `json:"id"`
		Object    string `json:"object"`
		Bytes     int64  `json:"bytes"`
		CreatedAt int64  `json:"created_at"`
		Filename  string `json:"filename"`
		Purpose   string `json:"purpose"`
		Status    string `json:"status,omitempty"`
	}

	fileList struct {
		Object string      `json:"object"`
		Data   []*fileBody `json:"data"`
	}

	fileDeleted struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Deleted bool   `json:"deleted"`
	}

	chatHealthBody struct {
		Status                string   `json:"status"`
		Timestamp             string   `json:"timestamp"`
		Message               string   `json:"message"`
		SupportedInputFormats []string `json:"supported_input_formats"`
		ModelRouting          string   `json:"model_routing"`
		StreamingSupport      string   `json:"streaming_support"`
		RoutingMethod         string   `json:"routing_method"`
	}

	serviceHealthBody struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		Region  string `json:"aws_region,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	kbDeleted struct {
		ID     string `json:"knowledgeBaseId"`
		Status string `json:"status"`
	}

	// generateRequest is the retrieve-and-generate body, mirroring the
	// Bedrock agent runtime request shape. The knowledge base id comes from
	// the path and overrides any value in the body.
	generateRequest struct {
		Query                   string                   `json:"query"`
		ModelARN                string                   `json:"modelArn"`
		SessionID               string                   `json:"sessionId"`
		RetrievalConfiguration  *retrievalConfiguration  `json:"retrievalConfiguration"`
		GenerationConfiguration *generationConfiguration `json:"generationConfiguration"`
	}

	retrievalConfiguration struct {
		VectorSearchConfiguration *vectorSearchConfiguration `json:"vectorSearchConfiguration"`
	}

	vectorSearchConfiguration struct {
		NumberOfResults int `json:"numberOfResults"`
	}

	generationConfiguration struct {
		InferenceConfig *inferenceConfig `json:"inferenceConfig"`
	}

	inferenceConfig struct {
		TextInferenceConfig *textInferenceConfig `json:"textInferenceConfig"`
	}

	textInferenceConfig struct {
		Temperature *float64 `json:"temperature"`
		MaxTokens   int      `json:"maxTokens"`
	}
)

const (
	// maxRequestBytes caps chat completion bodies.
	maxRequestBytes = 10 << 20
	// maxUploadBytes caps file upload bodies.
	maxUploadBytes = 64 << 20

	defaultFilePurpose = "assistants"
	defaultKBResults   = 10
)

// NewServer builds the HTTP server for the gateway.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	return &Server{
		gw:     opts.Gateway,
		apiKey: opts.APIKey,
		files:  opts.Files,
		kb:     opts.KB,
		check:  health.Handler(health.NewChecker(opts.Pingers...)),
	}, nil
}

// Mount registers every endpoint on mux. GET /health is open; everything
// under /v1/ requires the bearer key.
func (s *Server) Mount(mux goahttp.Muxer) {
	s.mux = mux

	s.handle(mux, "health", "GET", "/health", s.check)

	s.handle(mux, "chat", "POST", "/v1/chat/completions", s.auth(s.handleChat))
	s.handle(mux, "chat_health", "GET", "/v1/chat/completions/health", s.auth(s.handleChatHealth))
	s.handle(mux, "list_models", "GET", "/v1/models", s.auth(s.handleModels))

	s.handle(mux, "upload_file", "POST", "/v1/files", s.auth(s.handleFileUpload))
	s.handle(mux, "list_files", "GET", "/v1/files", s.auth(s.handleFileList))
	s.handle(mux, "files_health", "GET", "/v1/files/health", s.auth(s.handleFilesHealth))
	s.handle(mux, "file_metadata", "GET", "/v1/files/{id}", s.auth(s.handleFileMetadata))
	s.handle(mux, "file_content", "GET", "/v1/files/{id}/content", s.auth(s.handleFileContent))
	s.handle(mux, "delete_file", "DELETE", "/v1/files/{id}", s.auth(s.handleFileDelete))

	s.handle(mux, "list_knowledge_bases", "GET", "/v1/knowledge-bases", s.auth(s.handleKBList))
	s.handle(mux, "knowledge_bases_health", "GET", "/v1/knowledge-bases/health", s.auth(s.handleKBHealth))
	s.handle(mux, "get_knowledge_base", "GET", "/v1/knowledge-bases/{id}", s.auth(s.handleKBGet))
	s.handle(mux, "delete_knowledge_base", "DELETE", "/v1/knowledge-bases/{id}", s.auth(s.handleKBDelete))
	s.handle(mux, "query_knowledge_base", "POST", "/v1/knowledge-bases/{id}/query", s.auth(s.handleKBQuery))
	s.handle(mux, "retrieve_and_generate", "POST", "/v1/knowledge-bases/{id}/retrieve-and-generate", s.auth(s.handleKBGenerate))
}

func (s *Server) handle(mux goahttp.Muxer, name, verb, pattern string, h http.HandlerFunc) {
	mux.Handle(verb, pattern, h)
	s.mounts = append(s.mounts, &MountPoint{Method: name, Verb: verb, Pattern: pattern})
}

// Mounts returns the endpoints registered by Mount, for startup logging.
func (s *Server) Mounts() []*MountPoint { return s.mounts }

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeError(r.Context(), w, chat.NewError(chat.KindAuthentication, "missing or invalid api key"))
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(ctx, w, chat.ValidationError("request body unreadable or too large"))
		return
	}
	p, err := s.gw.Prepare(ctx, body, r.URL.Query().Get("target_format"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if p.Request.Stream {
		s.serveStream(ctx, w, p)
		return
	}
	resp, err := s.gw.Complete(ctx, p)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	buf, err := dialect.EncodeResponse(p.Target, resp)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf); err != nil {
		log.Errorf(ctx, err, "response write failed")
	}
}

// serveStream drains the provider stream into SSE frames encoded in the
// target dialect. Mid-stream failures become a final error frame; every
// stream ends with data: [DONE] unless the client went away.
func (s *Server) serveStream(ctx context.Context, w http.ResponseWriter, p *Prepared) {
	stream, err := s.gw.Stream(ctx, p)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Errorf(ctx, err, "stream close failed")
		}
	}()

	enc, err := dialect.NewStreamEncoder(p.Target)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var (
		total     *chat.Usage
		streamErr error
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if chunk.Usage != nil {
			total = chunk.Usage
		}
		frames, err := enc.Encode(chunk)
		if err != nil {
			streamErr = err
			break
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		if flusher != nil && len(frames) > 0 {
			flusher.Flush()
		}
	}

	if streamErr != nil && (chat.KindOf(streamErr) == chat.KindCancelled || ctx.Err() != nil) {
		// The client went away; nothing left to write.
		s.gw.FinishStream(ctx, p, total, streamErr)
		return
	}
	if streamErr != nil {
		writeStreamError(ctx, w, streamErr)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	s.gw.FinishStream(ctx, p, total, streamErr)
}

func writeStreamError(ctx context.Context, w http.ResponseWriter, err error) {
	cerr, ok := chat.AsError(err)
	if !ok {
		cerr = chat.Errorf(chat.KindInternal, "an unexpected error occurred: %v", err)
	}
	buf, merr := json.Marshal(errorBody{Error: errorDetail{
		Type:    string(cerr.Kind),
		Message: cerr.Message,
	}})
	if merr != nil {
		log.Errorf(ctx, merr, "stream error frame marshal failed")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", buf)
}

func (s *Server) handleChatHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, &chatHealthBody{
		Status:                "healthy",
		Timestamp:             time.Now().UTC().Format(time.RFC3339),
		Message:               "Unified chat completions endpoint operational",
		SupportedInputFormats: []string{string(dialect.OpenAI), string(dialect.Claude), string(dialect.Titan)},
		ModelRouting:          "enabled",
		StreamingSupport:      "enabled",
		RoutingMethod:         "model_id_based",
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	models := s.gw.Models(ctx)
	data := make([]*modelBody, len(models))
	for i, m := range models {
		data[i] = &modelBody{
			ID:      m.ID,
			Object:  "model",
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		}
	}
	writeJSON(ctx, w, http.StatusOK, &modelList{Object: "list", Data: data})
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.files == nil {
		writeError(ctx, w, errUnavailable("file storage"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(ctx, w, chat.ValidationError("invalid multipart form: %v", err))
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(ctx, w, chat.ValidationError("missing required field: file"))
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		writeError(ctx, w, chat.Errorf(chat.KindInternal, "read upload: %v", err))
		return
	}
	purpose := r.FormValue("purpose")
	if purpose == "" {
		purpose = defaultFilePurpose
	}
	rec, err := s.files.Upload(ctx, header.Filename, purpose, header.Header.Get("Content-Type"), content)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, fileJSON(rec))
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.files == nil {
		writeError(ctx, w, errUnavailable("file storage"))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(ctx, w, chat.ValidationError("limit must be an integer"))
			return
		}
		limit = n
	}
	recs, err := s.files.List(ctx, r.URL.Query().Get("purpose"), limit)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	data := make([]*fileBody, len(recs))
	for i, rec := range recs {
		data[i] = fileJSON(rec)
	}
	writeJSON(ctx, w, http.StatusOK, &fileList{Object: "list", Data: data})
}

func (s *Server) handleFileMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.files == nil {
		writeError(ctx, w, errUnavailable("file storage"))
		return
	}
	rec, err := s.files.Metadata(ctx, s.mux.Vars(r)["id"])
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, fileJSON(rec))
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.files == nil {
		writeError(ctx, w, errUnavailable("file storage"))
		return
	}
	rec, content, err := s.files.Content(ctx, s.mux.Vars(r)["id"])
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", rec.MediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content); err != nil {
		log.Errorf(ctx, err, "file content write failed")
	}
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.files == nil {
		writeError(ctx, w, errUnavailable("file storage"))
		return
	}
	id := s.mux.Vars(r)["id"]
	if err := s.files.Delete(ctx, id); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, &fileDeleted{ID: id, Object: "file", Deleted: true})
}

func (s *Server) handleFilesHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.files == nil {
		writeJSON(ctx, w, http.StatusServiceUnavailable, &serviceHealthBody{
			Status:  "unavailable",
			Service: "files",
			Error:   "file storage is not configured",
		})
		return
	}
	if err := s.files.Ping(ctx); err != nil {
		writeJSON(ctx, w, http.StatusServiceUnavailable, &serviceHealthBody{
			Status:  "unhealthy",
			Service: "files",
			Error:   err.Error(),
		})
		return
	}
	writeJSON(ctx, w, http.StatusOK, &serviceHealthBody{Status: "healthy", Service: "files"})
}

func (s *Server) handleKBList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.kb == nil {
		writeError(ctx, w, errUnavailable("knowledge base service"))
		return
	}
	maxResults, err := kbMaxResults(r, defaultKBResults)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	page, err := s.kb.List(ctx, maxResults, r.URL.Query().Get("next_token"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, page)
}

func (s *Server) handleKBGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.kb == nil {
		writeError(ctx, w, errUnavailable("knowledge base service"))
		return
	}
	kbase, err := s.kb.Get(ctx, s.mux.Vars(r)["id"])
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, kbase)
}

func (s *Server) handleKBDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.kb == nil {
		writeError(ctx, w, errUnavailable("knowledge base service"))
		return
	}
	id := s.mux.Vars(r)["id"]
	status, err := s.kb.Delete(ctx, id)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, &kbDeleted{ID: id, Status: status})
}

func (s *Server) handleKBQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.kb == nil {
		writeError(ctx, w, errUnavailable("knowledge base service"))
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(ctx, w, chat.ValidationError("missing required parameter: query"))
		return
	}
	maxResults, err := kbMaxResults(r, defaultKBResults)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	res, err := s.kb.Retrieve(ctx, s.mux.Vars(r)["id"], query, maxResults)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, res)
}

func (s *Server) handleKBGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.kb == nil {
		writeError(ctx, w, errUnavailable("knowledge base service"))
		return
	}
	var body generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&body); err != nil {
		writeError(ctx, w, chat.ValidationError("invalid request body: %v", err))
		return
	}
	if body.Query == "" {
		writeError(ctx, w, chat.ValidationError("missing required field: query"))
		return
	}
	if body.ModelARN == "" {
		writeError(ctx, w, chat.ValidationError("missing required field: modelArn"))
		return
	}
	in := kb.GenerateInput{
		KnowledgeBaseID: s.mux.Vars(r)["id"],
		Model:           body.ModelARN,
		Query:           body.Query,
		SessionID:       body.SessionID,
	}
	if rc := body.RetrievalConfiguration; rc != nil && rc.VectorSearchConfiguration != nil {
		in.MaxResults = rc.VectorSearchConfiguration.NumberOfResults
	}
	if gc := body.GenerationConfiguration; gc != nil && gc.InferenceConfig != nil && gc.InferenceConfig.TextInferenceConfig != nil {
		in.Temperature = gc.InferenceConfig.TextInferenceConfig.Temperature
		in.MaxTokens = gc.InferenceConfig.TextInferenceConfig.MaxTokens
	}
	ans, err := s.kb.Generate(ctx, in)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, ans)
}

func (s *Server) handleKBHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.kb == nil {
		writeJSON(ctx, w, http.StatusServiceUnavailable, &serviceHealthBody{
			Status:  "unavailable",
			Service: "knowledge_bases",
			Error:   "knowledge base service is not configured",
		})
		return
	}
	if err := s.kb.Ping(ctx); err != nil {
		writeJSON(ctx, w, http.StatusServiceUnavailable, &serviceHealthBody{
			Status:  "unhealthy",
			Service: "knowledge_bases",
			Error:   err.Error(),
		})
		return
	}
	writeJSON(ctx, w, http.StatusOK, &serviceHealthBody{
		Status:  "healthy",
		Service: "knowledge_bases",
		Region:  s.kb.Region(),
	})
}

func kbMaxResults(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("max_results")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 100 {
		return 0, chat.ValidationError("max_results must be an integer between 1 and 100")
	}
	return n, nil
}

func fileJSON(rec *files.Record) *fileBody {
	return &fileBody{
		ID:        rec.ID,
		Object:    "file",
		Bytes:     rec.Size,
		CreatedAt: rec.CreatedAt.Unix(),
		Filename:  rec.Filename,
		Purpose:   rec.Purpose,
		Status:    string(rec.Status),
	}
}

func errUnavailable(what string) *chat.Error {
	return chat.Errorf(chat.KindUnavailable, "%s is not configured", what)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf(ctx, err, "response write failed")
	}
}

// writeError maps any error to the uniform error body. Cancellations write
// nothing: the client is gone.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	cerr, ok := chat.AsError(err)
	if !ok {
		cerr = chat.Errorf(chat.KindInternal, "an unexpected error occurred: %v", err)
	}
	if cerr.Kind == chat.KindCancelled {
		return
	}
	status := cerr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Errorf(ctx, cerr, "request failed")
	}
	writeJSON(ctx, w, status, &errorBody{Error: errorDetail{
		Type:    string(cerr.Kind),
		Message: cerr.Message,
		Details: cerr.Details,
	}})
}
