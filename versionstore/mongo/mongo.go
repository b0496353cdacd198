// Package mongo provides a MongoDB implementation of versionstore.Store,
// with workflow_templates and workflow_versions collections matching the
// persisted layout's logical collection names.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/workflowmanager/engine/versionstore"
)

// Store is a MongoDB-backed versionstore.Store.
type Store struct {
	templates *mongo.Collection
	versions  *mongo.Collection
}

var _ versionstore.Store = (*Store)(nil)

// New creates a Store using the provided collections.
func New(templates, versions *mongo.Collection) *Store {
	return &Store{templates: templates, versions: versions}
}

type templateDocument struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"workflow_template_name"`
	OwnerUserID string    `bson:"user_id"`
	Scope       string    `bson:"scope"`
	Visibility  string    `bson:"visibility"`
	DerivedFrom string    `bson:"derived_from,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type requirementDocument struct {
	Capability string `bson:"capability"`
	Priority   int    `bson:"priority"`
}

type versionDocument struct {
	ID          string                `bson:"_id"`
	TemplateID  string                `bson:"workflow_template_id"`
	ContentHash string                `bson:"content_hash"`
	SourceType  string                `bson:"source_type"`
	VersionType string                `bson:"version_type"`
	ParentID    string                `bson:"parent_workflow_version_id,omitempty"`
	Requires    []requirementDocument `bson:"requires,omitempty"`
	Resolved    map[string]any        `bson:"resolved_workflow"`
	CreatedAt   time.Time             `bson:"created_at"`
}

func newTemplateID() string { return "tpl_" + uuid.Must(uuid.NewV7()).String() }
func newVersionID() string  { return "ver_" + uuid.Must(uuid.NewV7()).String() }

// GetOrCreateTemplate implements versionstore.Store.
func (s *Store) GetOrCreateTemplate(ctx context.Context, name, userID string) (versionstore.Template, bool, error) {
	filter := bson.M{
		"workflow_template_name": name,
		"user_id":                userID,
		"scope":                  bson.M{"$in": bson.A{string(versionstore.ScopeUser), nil}},
	}
	var doc templateDocument
	err := s.templates.FindOne(ctx, filter).Decode(&doc)
	if err == nil {
		return fromTemplateDocument(&doc), false, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return versionstore.Template{}, false, fmt.Errorf("mongodb get template %q: %w", name, err)
	}

	now := time.Now().UTC()
	doc = templateDocument{
		ID: newTemplateID(), Name: name, OwnerUserID: userID,
		Scope: string(versionstore.ScopeUser), Visibility: string(versionstore.VisibilityVisible),
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := s.templates.InsertOne(ctx, doc); err != nil {
		return versionstore.Template{}, false, fmt.Errorf("mongodb create template %q: %w", name, err)
	}
	return fromTemplateDocument(&doc), true, nil
}

// GetOrCreateGlobalTemplate implements versionstore.Store.
func (s *Store) GetOrCreateGlobalTemplate(ctx context.Context, name, ownerUserID string) (versionstore.Template, bool, error) {
	filter := bson.M{"workflow_template_name": name, "scope": string(versionstore.ScopeGlobal)}
	var doc templateDocument
	err := s.templates.FindOne(ctx, filter).Decode(&doc)
	if err == nil {
		return fromTemplateDocument(&doc), false, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return versionstore.Template{}, false, fmt.Errorf("mongodb get global template %q: %w", name, err)
	}

	now := time.Now().UTC()
	doc = templateDocument{
		ID: newTemplateID(), Name: name, OwnerUserID: versionstore.GlobalOwner,
		Scope: string(versionstore.ScopeGlobal), Visibility: string(versionstore.VisibilityPublic),
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := s.templates.InsertOne(ctx, doc); err != nil {
		return versionstore.Template{}, false, fmt.Errorf("mongodb create global template %q: %w", name, err)
	}
	return fromTemplateDocument(&doc), true, nil
}

// GetOrCreateHiddenTemplate implements versionstore.Store.
func (s *Store) GetOrCreateHiddenTemplate(ctx context.Context, globalTemplateID, userID string) (versionstore.Template, bool, string, error) {
	syntheticName := fmt.Sprintf("global_%s_%s", globalTemplateID, userID)
	filter := bson.M{"workflow_template_name": syntheticName, "user_id": userID}
	var doc templateDocument
	err := s.templates.FindOne(ctx, filter).Decode(&doc)
	if err == nil {
		return fromTemplateDocument(&doc), false, syntheticName, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return versionstore.Template{}, false, "", fmt.Errorf("mongodb get hidden template %q: %w", syntheticName, err)
	}

	now := time.Now().UTC()
	doc = templateDocument{
		ID: newTemplateID(), Name: syntheticName, OwnerUserID: userID,
		Scope: string(versionstore.ScopeUser), Visibility: string(versionstore.VisibilityHidden),
		DerivedFrom: globalTemplateID, CreatedAt: now, UpdatedAt: now,
	}
	if _, err := s.templates.InsertOne(ctx, doc); err != nil {
		return versionstore.Template{}, false, "", fmt.Errorf("mongodb create hidden template %q: %w", syntheticName, err)
	}
	return fromTemplateDocument(&doc), true, syntheticName, nil
}

// GetTemplate implements versionstore.Store.
func (s *Store) GetTemplate(ctx context.Context, templateID string) (versionstore.Template, error) {
	var doc templateDocument
	err := s.templates.FindOne(ctx, bson.M{"_id": templateID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return versionstore.Template{}, versionstore.ErrNotFound
		}
		return versionstore.Template{}, fmt.Errorf("mongodb get template %q: %w", templateID, err)
	}
	return fromTemplateDocument(&doc), nil
}

// GetVersion implements versionstore.Store.
func (s *Store) GetVersion(ctx context.Context, versionID string) (versionstore.Version, error) {
	var doc versionDocument
	err := s.versions.FindOne(ctx, bson.M{"_id": versionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return versionstore.Version{}, versionstore.ErrNotFound
		}
		return versionstore.Version{}, fmt.Errorf("mongodb get version %q: %w", versionID, err)
	}
	return fromVersionDocument(&doc), nil
}

// GetVersionByContentHash implements versionstore.Store.
func (s *Store) GetVersionByContentHash(ctx context.Context, templateID, hash string) (versionstore.Version, error) {
	var doc versionDocument
	filter := bson.M{"workflow_template_id": templateID, "content_hash": hash}
	err := s.versions.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return versionstore.Version{}, versionstore.ErrNotFound
		}
		return versionstore.Version{}, fmt.Errorf("mongodb get version by hash: %w", err)
	}
	return fromVersionDocument(&doc), nil
}

// CreateSourceVersion implements versionstore.Store.
func (s *Store) CreateSourceVersion(ctx context.Context, templateID, contentHash string, sourceType versionstore.SourceType, resolvedWorkflow map[string]any) (versionstore.Version, bool, error) {
	existing, err := s.GetVersionByContentHash(ctx, templateID, contentHash)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, versionstore.ErrNotFound) {
		return versionstore.Version{}, false, err
	}

	doc := versionDocument{
		ID: newVersionID(), TemplateID: templateID, ContentHash: contentHash,
		SourceType: string(sourceType), VersionType: string(versionstore.VersionRaw),
		Resolved: resolvedWorkflow, CreatedAt: time.Now().UTC(),
	}
	if _, err := s.versions.InsertOne(ctx, doc); err != nil {
		return versionstore.Version{}, false, fmt.Errorf("mongodb create source version: %w", err)
	}
	return fromVersionDocument(&doc), true, nil
}

// CreateResolvedVersion implements versionstore.Store.
func (s *Store) CreateResolvedVersion(ctx context.Context, templateID, parentVersionID string, resolvedWorkflow map[string]any, requires []versionstore.CapabilityRequirement, contentHash string) (versionstore.Version, error) {
	if contentHash == "" {
		contentHash = versionstore.ContentHash(resolvedWorkflow)
	}

	existing, err := s.GetVersionByContentHash(ctx, templateID, contentHash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, versionstore.ErrNotFound) {
		return versionstore.Version{}, err
	}

	doc := versionDocument{
		ID: newVersionID(), TemplateID: templateID, ContentHash: contentHash,
		SourceType: string(versionstore.SourceJSON), VersionType: string(versionstore.VersionResolved),
		ParentID: parentVersionID, Requires: toRequirementDocuments(requires),
		Resolved: resolvedWorkflow, CreatedAt: time.Now().UTC(),
	}
	if _, err := s.versions.InsertOne(ctx, doc); err != nil {
		return versionstore.Version{}, fmt.Errorf("mongodb create resolved version: %w", err)
	}
	return fromVersionDocument(&doc), nil
}

// SetVersionType implements versionstore.Store.
func (s *Store) SetVersionType(ctx context.Context, versionID string, versionType versionstore.VersionType) error {
	res, err := s.versions.UpdateOne(ctx,
		bson.M{"_id": versionID},
		bson.M{"$set": bson.M{"version_type": string(versionType)}},
	)
	if err != nil {
		return fmt.Errorf("mongodb set version type %q: %w", versionID, err)
	}
	if res.MatchedCount == 0 {
		return versionstore.ErrNotFound
	}
	return nil
}

// ResolvedChildren implements versionstore.Store.
func (s *Store) ResolvedChildren(ctx context.Context, parentVersionID string) ([]versionstore.Version, error) {
	filter := bson.M{"parent_workflow_version_id": parentVersionID, "version_type": string(versionstore.VersionResolved)}
	return s.queryVersions(ctx, filter, 0)
}

// SourceVersionsForTemplate implements versionstore.Store.
func (s *Store) SourceVersionsForTemplate(ctx context.Context, templateID string, limit int) ([]versionstore.Version, error) {
	filter := bson.M{
		"workflow_template_id": templateID,
		"version_type":         bson.M{"$in": bson.A{string(versionstore.VersionRaw), string(versionstore.VersionUnresolved)}},
	}
	return s.queryVersions(ctx, filter, limit)
}

// LatestSourceVersion implements versionstore.Store.
func (s *Store) LatestSourceVersion(ctx context.Context, templateName, userID string) (versionstore.Version, error) {
	var tplDoc templateDocument
	err := s.templates.FindOne(ctx, bson.M{"workflow_template_name": templateName, "user_id": userID}).Decode(&tplDoc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return versionstore.Version{}, versionstore.ErrNotFound
		}
		return versionstore.Version{}, fmt.Errorf("mongodb latest source version template lookup: %w", err)
	}

	filter := bson.M{
		"workflow_template_id": tplDoc.ID,
		"version_type":         bson.M{"$in": bson.A{string(versionstore.VersionRaw), string(versionstore.VersionUnresolved)}},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc versionDocument
	if err := s.versions.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return versionstore.Version{}, versionstore.ErrNotFound
		}
		return versionstore.Version{}, fmt.Errorf("mongodb latest source version: %w", err)
	}
	return fromVersionDocument(&doc), nil
}

// AllVersionsForTemplate implements versionstore.Store.
func (s *Store) AllVersionsForTemplate(ctx context.Context, templateID string) ([]versionstore.Version, error) {
	return s.queryVersions(ctx, bson.M{"workflow_template_id": templateID}, 0)
}

func (s *Store) queryVersions(ctx context.Context, filter bson.M, limit int) ([]versionstore.Version, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.versions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb query versions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []versionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb query versions decode: %w", err)
	}
	out := make([]versionstore.Version, len(docs))
	for i := range docs {
		out[i] = fromVersionDocument(&docs[i])
	}
	return out, nil
}

func fromTemplateDocument(doc *templateDocument) versionstore.Template {
	return versionstore.Template{
		ID: doc.ID, Name: doc.Name, OwnerUserID: doc.OwnerUserID,
		Scope: versionstore.Scope(doc.Scope), Visibility: versionstore.Visibility(doc.Visibility),
		DerivedFrom: doc.DerivedFrom, CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt,
	}
}

func fromVersionDocument(doc *versionDocument) versionstore.Version {
	return versionstore.Version{
		ID: doc.ID, TemplateID: doc.TemplateID, ContentHash: doc.ContentHash,
		SourceType: versionstore.SourceType(doc.SourceType), VersionType: versionstore.VersionType(doc.VersionType),
		ParentWorkflowVersion: doc.ParentID, Requires: fromRequirementDocuments(doc.Requires),
		ResolvedWorkflow: doc.Resolved, CreatedAt: doc.CreatedAt,
	}
}

func toRequirementDocuments(reqs []versionstore.CapabilityRequirement) []requirementDocument {
	out := make([]requirementDocument, len(reqs))
	for i, r := range reqs {
		out[i] = requirementDocument{Capability: r.Capability, Priority: r.Priority}
	}
	return out
}

func fromRequirementDocuments(docs []requirementDocument) []versionstore.CapabilityRequirement {
	out := make([]versionstore.CapabilityRequirement, len(docs))
	for i, d := range docs {
		out[i] = versionstore.CapabilityRequirement{Capability: d.Capability, Priority: d.Priority}
	}
	return out
}
