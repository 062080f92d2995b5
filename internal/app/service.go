package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"offshoot/api/internal/auth"
	"offshoot/api/internal/config"
	"offshoot/api/internal/fork"
	"offshoot/api/internal/rbac"
	"offshoot/api/internal/search"
	"offshoot/api/internal/store"
	"offshoot/api/internal/util"
)

// documentStore is the host document store. The HTTP passthrough for
// documents only exists so the service can be driven end to end without a
// host CMS in front of it.
type documentStore interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	InsertDocument(ctx context.Context, item store.Document) error
	UpdateDocumentFields(ctx context.Context, documentID string, fields store.DocumentFields, updatedBy string) error
	GetProperties(ctx context.Context, documentID string) (map[string]string, error)
	SetProperty(ctx context.Context, documentID, key, value string) error
	DeleteProperty(ctx context.Context, documentID, key string) error
	GetTerms(ctx context.Context, documentID, taxonomy string) ([]string, error)
	SetTerms(ctx context.Context, documentID, taxonomy string, terms []string) error
	GetPrimaryImage(ctx context.Context, documentID string) (string, error)
	SetPrimaryImage(ctx context.Context, documentID, imageID string) error
	AddAuditNote(ctx context.Context, note store.AuditNote) error
	ListAuditNotes(ctx context.Context, documentID string, limit int) ([]store.AuditNote, error)
	Ping(ctx context.Context) error
}

type revocationStore interface {
	Revoke(ctx context.Context, tokenID, userID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Ping(ctx context.Context) error
}

type revisionHistory interface {
	History(documentID string, limit int) ([]store.CommitInfo, error)
}

type forkSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

// Deps are the collaborators a Service is assembled from. Revocations,
// History and Search are optional.
type Deps struct {
	Documents   documentStore
	Forks       *fork.Repository
	Merges      *fork.Engine
	Comparisons *fork.Comparer
	Revocations revocationStore
	History     revisionHistory
	Search      forkSearcher
	Logger      *slog.Logger
}

type Service struct {
	cfg         config.Config
	docs        documentStore
	forks       *fork.Repository
	merges      *fork.Engine
	comparisons *fork.Comparer
	revocations revocationStore
	history     revisionHistory
	search      forkSearcher
	log         *slog.Logger
	now         func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		cfg:         cfg,
		docs:        deps.Documents,
		forks:       deps.Forks,
		merges:      deps.Merges,
		comparisons: deps.Comparisons,
		revocations: deps.Revocations,
		history:     deps.History,
		search:      deps.Search,
		log:         logger,
		now:         time.Now,
	}
}

type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	JTI       string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s Session) actor() fork.Actor {
	return fork.Actor{ID: s.UserID, Name: s.UserName, Email: s.Email}
}

type LoginInput struct {
	UserID string `json:"userId" validate:"omitempty,max=128"`
	Name   string `json:"name" validate:"max=200"`
	Email  string `json:"email" validate:"omitempty,email"`
	Role   string `json:"role" validate:"omitempty,oneof=viewer contributor editor admin"`
}

// Login issues a token for the identity in input. Real deployments receive
// identities from the host; this path is only open with dev login enabled.
func (s *Service) Login(_ context.Context, input LoginInput) (Session, error) {
	if !s.cfg.DevLogin {
		return Session{}, domainError(http.StatusForbidden, "DEV_LOGIN_DISABLED", "Direct login is disabled", nil)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = "User"
	}
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		userID = util.NewID("usr")
	}
	role := rbac.Normalize(strings.TrimSpace(input.Role))

	expiresAt := s.now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   userID,
		Name:  name,
		Email: strings.TrimSpace(input.Email),
		Role:  string(role),
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    userID,
		UserName:  name,
		Email:     strings.TrimSpace(input.Email),
		Role:      string(role),
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.JTI)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Email:     claims.Email,
		Role:      string(rbac.Normalize(claims.Role)),
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if s.revocations == nil || session.JTI == "" {
		return nil
	}
	if err := s.revocations.Revoke(ctx, session.JTI, session.UserID, session.ExpiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Ping checks every backing service and reports per-check status.
func (s *Service) Ping(ctx context.Context) map[string]string {
	checks := map[string]string{"database": "ok"}
	if err := s.docs.Ping(ctx); err != nil {
		checks["database"] = err.Error()
	}
	if s.revocations != nil {
		checks["sessions"] = "ok"
		if err := s.revocations.Ping(ctx); err != nil {
			checks["sessions"] = err.Error()
		}
	}
	return checks
}

type DocumentInput struct {
	Kind         string              `json:"kind" validate:"omitempty,max=64,ne=fork"`
	Title        string              `json:"title" validate:"required,max=500"`
	Content      string              `json:"content"`
	Excerpt      string              `json:"excerpt" validate:"max=2000"`
	Properties   map[string]string   `json:"properties"`
	Terms        map[string][]string `json:"terms"`
	PrimaryImage string              `json:"primaryImage" validate:"max=256"`
}

type Document struct {
	ID           string              `json:"id"`
	Kind         string              `json:"kind"`
	Title        string              `json:"title"`
	Content      string              `json:"content"`
	Excerpt      string              `json:"excerpt"`
	Status       string              `json:"status"`
	Properties   map[string]string   `json:"properties"`
	Terms        map[string][]string `json:"terms"`
	PrimaryImage string              `json:"primaryImage,omitempty"`
	ForkCount    int                 `json:"forkCount"`
	UpdatedBy    string              `json:"updatedBy,omitempty"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

func (s *Service) CreateDocument(ctx context.Context, session Session, input DocumentInput) (Document, error) {
	kind := strings.TrimSpace(input.Kind)
	if kind == "" {
		kind = "document"
	}
	now := s.now().UTC()
	doc := store.Document{
		ID:        util.NewID("doc"),
		Kind:      kind,
		Title:     strings.TrimSpace(input.Title),
		Content:   input.Content,
		Excerpt:   input.Excerpt,
		Status:    store.StatusDraft,
		AuthorID:  session.UserID,
		UpdatedBy: session.UserName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.docs.InsertDocument(ctx, doc); err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	if err := s.writeAuxiliary(ctx, doc.ID, input); err != nil {
		return Document{}, err
	}
	return s.GetDocument(ctx, doc.ID)
}

func (s *Service) UpdateDocument(ctx context.Context, session Session, documentID string, input DocumentInput) (Document, error) {
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, translate(err)
	}
	if doc.Kind == store.KindFork {
		if err := s.ensureEditableFork(ctx, documentID); err != nil {
			return Document{}, err
		}
	}
	fields := store.DocumentFields{Title: strings.TrimSpace(input.Title), Content: input.Content, Excerpt: input.Excerpt}
	if err := s.docs.UpdateDocumentFields(ctx, documentID, fields, session.UserName); err != nil {
		return Document{}, translate(err)
	}
	if err := s.writeAuxiliary(ctx, documentID, input); err != nil {
		return Document{}, err
	}
	return s.GetDocument(ctx, documentID)
}

// ensureEditableFork rejects edits to forks that have been merged.
func (s *Service) ensureEditableFork(ctx context.Context, forkID string) error {
	item, err := s.forks.Get(ctx, forkID)
	if err != nil {
		return translate(err)
	}
	if item.State != fork.StateDraft {
		return domainError(http.StatusConflict, "FORK_LOCKED", "Merged forks can no longer be edited", nil)
	}
	return nil
}

// writeAuxiliary applies the properties, terms and primary image of input.
// Nil maps leave the stored values alone.
func (s *Service) writeAuxiliary(ctx context.Context, documentID string, input DocumentInput) error {
	if input.Properties != nil {
		current, err := s.docs.GetProperties(ctx, documentID)
		if err != nil {
			return fmt.Errorf("get properties: %w", err)
		}
		for key := range current {
			if key == store.PrimaryImageKey {
				continue
			}
			if _, keep := input.Properties[key]; !keep {
				if err := s.docs.DeleteProperty(ctx, documentID, key); err != nil {
					return fmt.Errorf("delete property %s: %w", key, err)
				}
			}
		}
		for _, key := range store.SortedKeys(input.Properties) {
			if key == store.PrimaryImageKey {
				continue
			}
			if err := s.docs.SetProperty(ctx, documentID, key, input.Properties[key]); err != nil {
				return fmt.Errorf("set property %s: %w", key, err)
			}
		}
	}
	for _, taxonomy := range s.cfg.Taxonomies {
		terms, ok := input.Terms[taxonomy]
		if !ok {
			continue
		}
		if err := s.docs.SetTerms(ctx, documentID, taxonomy, terms); err != nil {
			return fmt.Errorf("set terms %s: %w", taxonomy, err)
		}
	}
	if input.PrimaryImage != "" {
		if err := s.docs.SetPrimaryImage(ctx, documentID, input.PrimaryImage); err != nil {
			return fmt.Errorf("set primary image: %w", err)
		}
	}
	return nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (Document, error) {
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, translate(err)
	}
	props, err := s.docs.GetProperties(ctx, documentID)
	if err != nil {
		return Document{}, fmt.Errorf("get properties: %w", err)
	}
	image, err := s.docs.GetPrimaryImage(ctx, documentID)
	if err != nil {
		return Document{}, fmt.Errorf("get primary image: %w", err)
	}
	delete(props, store.PrimaryImageKey)

	terms := make(map[string][]string, len(s.cfg.Taxonomies))
	for _, taxonomy := range s.cfg.Taxonomies {
		assigned, err := s.docs.GetTerms(ctx, documentID, taxonomy)
		if err != nil {
			return Document{}, fmt.Errorf("get terms %s: %w", taxonomy, err)
		}
		if len(assigned) > 0 {
			terms[taxonomy] = assigned
		}
	}

	view := Document{
		ID:           doc.ID,
		Kind:         doc.Kind,
		Title:        doc.Title,
		Content:      doc.Content,
		Excerpt:      doc.Excerpt,
		Status:       doc.Status,
		Properties:   props,
		Terms:        terms,
		PrimaryImage: image,
		UpdatedBy:    doc.UpdatedBy,
		UpdatedAt:    doc.UpdatedAt,
	}
	if doc.Kind != store.KindFork {
		count, err := s.forks.Count(ctx, documentID)
		if err != nil {
			return Document{}, translate(err)
		}
		view.ForkCount = count
	}
	return view, nil
}

func (s *Service) CreateFork(ctx context.Context, session Session, originalID string) (fork.Fork, error) {
	created, err := s.forks.Create(ctx, originalID, session.actor())
	if err != nil {
		return fork.Fork{}, translate(err)
	}
	return created, nil
}

func (s *Service) GetFork(ctx context.Context, forkID string) (fork.Fork, error) {
	item, err := s.forks.Get(ctx, forkID)
	if err != nil {
		return fork.Fork{}, translate(err)
	}
	return item, nil
}

func (s *Service) ListForks(ctx context.Context, originalID string) ([]fork.Fork, error) {
	if _, err := s.docs.GetDocument(ctx, originalID); err != nil {
		return nil, translate(err)
	}
	items, err := s.forks.List(ctx, originalID)
	if err != nil {
		return nil, translate(err)
	}
	return items, nil
}

func (s *Service) CompareFork(ctx context.Context, forkID string) (fork.Comparison, error) {
	view, err := s.comparisons.Compare(ctx, forkID)
	if err != nil {
		return fork.Comparison{}, translate(err)
	}
	return view, nil
}

func (s *Service) MergeFork(ctx context.Context, session Session, forkID, originalID string) (fork.MergeResult, error) {
	result, err := s.merges.Merge(ctx, forkID, originalID, session.actor())
	if err != nil {
		var storeErr *fork.StoreError
		if errors.As(err, &storeErr) {
			s.log.Error("merge failed", "fork_id", forkID, "original_id", originalID, "op", storeErr.Op, "error", storeErr.Err)
		}
		return fork.MergeResult{}, translate(err)
	}
	return result, nil
}

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type AuditNote struct {
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type RevisionList struct {
	Revisions  []Revision  `json:"revisions"`
	AuditNotes []AuditNote `json:"auditNotes"`
}

// Revisions lists the pre-merge backups of a document together with the
// audit notes left by merges.
func (s *Service) Revisions(ctx context.Context, documentID string, limit int) (RevisionList, error) {
	if _, err := s.docs.GetDocument(ctx, documentID); err != nil {
		return RevisionList{}, translate(err)
	}
	list := RevisionList{Revisions: []Revision{}, AuditNotes: []AuditNote{}}
	if s.history != nil {
		commits, err := s.history.History(documentID, limit)
		if err != nil {
			return RevisionList{}, fmt.Errorf("revision history: %w", err)
		}
		for _, commit := range commits {
			list.Revisions = append(list.Revisions, Revision(commit))
		}
	}
	notes, err := s.docs.ListAuditNotes(ctx, documentID, limit)
	if err != nil {
		return RevisionList{}, fmt.Errorf("audit notes: %w", err)
	}
	for _, note := range notes {
		list.AuditNotes = append(list.AuditNotes, AuditNote{Author: note.Author, Body: note.Body, CreatedAt: note.CreatedAt})
	}
	return list, nil
}

func (s *Service) SearchForks(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}
