// Package postgres stores presentations, slides and slide elements in
// PostgreSQL. The schema is managed by embedded migrations.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"slidesync-server/core"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var (
	presentationColumns = []string{"id", "title", "created_at"}
	slideColumns        = []string{"id", "presentation_id", "position", "background_color", "transition_type", "created_at"}
	elementColumns      = []string{"id", "slide_id", "type", "content", "position", "size", "properties", "created_at", "updated_at"}
)

// Store implements core.Store on PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database. The schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// NewStore connects to databaseURL and applies pending migrations.
func NewStore(databaseURL string) core.Store {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		stdlog.Fatal(err)
	}
	if err := db.Ping(); err != nil {
		stdlog.Fatal(err)
	}
	if err := Migrate(db); err != nil {
		stdlog.Fatal(err)
	}
	return New(db)
}

func notFound(entity string, id int64) error {
	return fmt.Errorf("%s with id %d %w", entity, id, core.ErrNotFound)
}

func conflict(entity string, id int64) error {
	return fmt.Errorf("%s with id %d %w", entity, id, core.ErrConflict)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreatePresentation(ctx context.Context, presentation *core.Presentation) error {
	if presentation.CreatedAt.IsZero() {
		presentation.CreatedAt = s.now().UTC()
	}

	query, args, err := psq.Insert("presentations").
		Columns("title", "created_at").
		Values(presentation.Title, presentation.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("building presentation insert: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&presentation.ID); err != nil {
		return fmt.Errorf("inserting presentation: %w", err)
	}

	logrus.WithField("presentation_id", presentation.ID).Info("Presentation created successfully")
	return nil
}

func (s *Store) ListPresentations(ctx context.Context, page, limit int) ([]*core.Presentation, error) {
	if page < 1 {
		page = 1
	}
	query, args, err := psq.Select(presentationColumns...).
		From("presentations").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64((page - 1) * limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building presentation query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying presentations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	presentations := make([]*core.Presentation, 0, limit)
	for rows.Next() {
		var p core.Presentation
		if err := rows.Scan(&p.ID, &p.Title, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning presentation row: %w", err)
		}
		presentations = append(presentations, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating presentation rows: %w", err)
	}
	return presentations, nil
}

func (s *Store) GetPresentation(ctx context.Context, id int64) (*core.Presentation, error) {
	query, args, err := psq.Select(presentationColumns...).
		From("presentations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building presentation query: %w", err)
	}

	var p core.Presentation
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.Title, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		logrus.WithField("presentation_id", id).Warn("Presentation with specified ID not found")
		return nil, notFound("presentation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying presentation: %w", err)
	}
	return &p, nil
}

func scanSlide(row scanner) (*core.Slide, error) {
	var slide core.Slide
	err := row.Scan(&slide.ID, &slide.PresentationID, &slide.Position,
		&slide.BackgroundColor, &slide.TransitionType, &slide.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &slide, nil
}

func (s *Store) CreateSlide(ctx context.Context, slide *core.Slide) error {
	if slide.CreatedAt.IsZero() {
		slide.CreatedAt = s.now().UTC()
	}

	query, args, err := psq.Insert("slides").
		Columns("presentation_id", "position", "background_color", "transition_type", "created_at").
		Values(slide.PresentationID, slide.Position, slide.BackgroundColor, slide.TransitionType, slide.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("building slide insert: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&slide.ID); err != nil {
		return fmt.Errorf("inserting slide: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"slide_id":        slide.ID,
		"presentation_id": slide.PresentationID,
	}).Info("Slide created successfully")
	return nil
}

func (s *Store) SaveSlide(ctx context.Context, slide *core.Slide) error {
	if slide.ID == 0 {
		return s.CreateSlide(ctx, slide)
	}
	if slide.CreatedAt.IsZero() {
		slide.CreatedAt = s.now().UTC()
	}

	query, args, err := psq.Insert("slides").
		Columns(slideColumns...).
		Values(slide.ID, slide.PresentationID, slide.Position, slide.BackgroundColor, slide.TransitionType, slide.CreatedAt).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			position = EXCLUDED.position,
			background_color = EXCLUDED.background_color,
			transition_type = EXCLUDED.transition_type
		WHERE slides.presentation_id = EXCLUDED.presentation_id`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building slide upsert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("upserting slide: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("upserting slide: %w", err)
	} else if n == 0 {
		return conflict("slide", slide.ID)
	}
	return nil
}

func (s *Store) GetSlide(ctx context.Context, id int64) (*core.Slide, error) {
	query, args, err := psq.Select(slideColumns...).
		From("slides").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building slide query: %w", err)
	}

	slide, err := scanSlide(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("slide", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying slide: %w", err)
	}
	return slide, nil
}

func (s *Store) ListSlides(ctx context.Context, presentationID int64) ([]*core.Slide, error) {
	query, args, err := psq.Select(slideColumns...).
		From("slides").
		Where(sq.Eq{"presentation_id": presentationID}).
		OrderBy("position ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building slide query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying slides: %w", err)
	}
	defer func() { _ = rows.Close() }()

	slides := make([]*core.Slide, 0)
	for rows.Next() {
		slide, err := scanSlide(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning slide row: %w", err)
		}
		slides = append(slides, slide)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating slide rows: %w", err)
	}
	return slides, nil
}

// UpdateSlide applies the patch with COALESCE so absent fields keep their
// stored value.
func (s *Store) UpdateSlide(ctx context.Context, id int64, patch core.SlidePatch) (*core.Slide, error) {
	query, args, err := psq.Update("slides").
		Set("position", sq.Expr("COALESCE(?, position)", patch.Position)).
		Set("background_color", sq.Expr("COALESCE(?, background_color)", patch.BackgroundColor)).
		Set("transition_type", sq.Expr("COALESCE(?, transition_type)", patch.TransitionType)).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING id, presentation_id, position, background_color, transition_type, created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building slide update: %w", err)
	}

	slide, err := scanSlide(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		logrus.WithField("slide_id", id).Warn("Slide with specified ID not found")
		return nil, notFound("slide", id)
	}
	if err != nil {
		return nil, fmt.Errorf("updating slide: %w", err)
	}
	logrus.WithField("slide_id", id).Info("Slide updated successfully")
	return slide, nil
}

func (s *Store) DeleteSlide(ctx context.Context, id int64) error {
	query, args, err := psq.Delete("slides").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building slide delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting slide: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting slide: %w", err)
	}
	if n == 0 {
		return notFound("slide", id)
	}
	logrus.WithField("slide_id", id).Info("Slide deleted successfully")
	return nil
}

type elementJSON struct {
	position, size, properties []byte
}

func encodeElement(e *core.Element) (elementJSON, error) {
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	var out elementJSON
	var err error
	if out.position, err = json.Marshal(e.Position); err != nil {
		return out, fmt.Errorf("encoding position: %w", err)
	}
	if out.size, err = json.Marshal(e.Size); err != nil {
		return out, fmt.Errorf("encoding size: %w", err)
	}
	if out.properties, err = json.Marshal(e.Properties); err != nil {
		return out, fmt.Errorf("encoding properties: %w", err)
	}
	return out, nil
}

func scanElement(row scanner) (*core.Element, error) {
	var e core.Element
	var position, size, properties []byte
	err := row.Scan(&e.ID, &e.SlideID, &e.Type, &e.Content, &position, &size, &properties, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(position, &e.Position); err != nil {
		return nil, fmt.Errorf("decoding position of element %d: %w", e.ID, err)
	}
	if err := json.Unmarshal(size, &e.Size); err != nil {
		return nil, fmt.Errorf("decoding size of element %d: %w", e.ID, err)
	}
	if err := json.Unmarshal(properties, &e.Properties); err != nil {
		return nil, fmt.Errorf("decoding properties of element %d: %w", e.ID, err)
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	return &e, nil
}

func (s *Store) stamp(e *core.Element) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	e.UpdatedAt = core.Later(e.UpdatedAt, e.CreatedAt)
}

func (s *Store) CreateElement(ctx context.Context, element *core.Element) error {
	s.stamp(element)
	enc, err := encodeElement(element)
	if err != nil {
		return err
	}

	query, args, err := psq.Insert("slide_elements").
		Columns(elementColumns[1:]...).
		Values(element.SlideID, string(element.Type), element.Content,
			string(enc.position), string(enc.size), string(enc.properties), element.CreatedAt, element.UpdatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("building element insert: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&element.ID); err != nil {
		return fmt.Errorf("inserting element: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"element_id": element.ID,
		"slide_id":   element.SlideID,
	}).Info("Element created successfully")
	return nil
}

func (s *Store) SaveElement(ctx context.Context, element *core.Element) error {
	if element.ID == 0 {
		return s.CreateElement(ctx, element)
	}
	s.stamp(element)
	enc, err := encodeElement(element)
	if err != nil {
		return err
	}

	query, args, err := psq.Insert("slide_elements").
		Columns(elementColumns...).
		Values(element.ID, element.SlideID, string(element.Type), element.Content,
			string(enc.position), string(enc.size), string(enc.properties), element.CreatedAt, element.UpdatedAt).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			slide_id = EXCLUDED.slide_id,
			type = EXCLUDED.type,
			content = EXCLUDED.content,
			position = EXCLUDED.position,
			size = EXCLUDED.size,
			properties = EXCLUDED.properties,
			updated_at = GREATEST(EXCLUDED.updated_at, slide_elements.updated_at)
		WHERE (SELECT presentation_id FROM slides WHERE id = slide_elements.slide_id) =
			(SELECT presentation_id FROM slides WHERE id = EXCLUDED.slide_id)`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building element upsert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("upserting element: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("upserting element: %w", err)
	} else if n == 0 {
		return conflict("element", element.ID)
	}
	return nil
}

func (s *Store) ListElements(ctx context.Context, slideID int64) ([]*core.Element, error) {
	query, args, err := psq.Select(elementColumns...).
		From("slide_elements").
		Where(sq.Eq{"slide_id": slideID}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building element query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying elements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	elements := make([]*core.Element, 0)
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning element row: %w", err)
		}
		elements = append(elements, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating element rows: %w", err)
	}
	return elements, nil
}

// jsonArg encodes v for a jsonb COALESCE argument, passing NULL when absent.
func jsonArg(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// UpdateElement coalesces the patch into the stored row and stamps
// updated_at without moving it backwards.
func (s *Store) UpdateElement(ctx context.Context, id int64, patch core.ElementPatch) (*core.Element, error) {
	position, err := jsonArg(patch.Position != nil, patch.Position)
	if err != nil {
		return nil, fmt.Errorf("encoding position: %w", err)
	}
	size, err := jsonArg(patch.Size != nil, patch.Size)
	if err != nil {
		return nil, fmt.Errorf("encoding size: %w", err)
	}
	properties, err := jsonArg(patch.Properties != nil, patch.Properties)
	if err != nil {
		return nil, fmt.Errorf("encoding properties: %w", err)
	}

	query, args, err := psq.Update("slide_elements").
		Set("content", sq.Expr("COALESCE(?, content)", patch.Content)).
		Set("position", sq.Expr("COALESCE(?::jsonb, position)", position)).
		Set("size", sq.Expr("COALESCE(?::jsonb, size)", size)).
		Set("properties", sq.Expr("COALESCE(?::jsonb, properties)", properties)).
		Set("updated_at", sq.Expr("GREATEST(?, updated_at)", s.now().UTC())).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING id, slide_id, type, content, position, size, properties, created_at, updated_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building element update: %w", err)
	}

	e, err := scanElement(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		logrus.WithField("element_id", id).Warn("Element with specified ID not found")
		return nil, notFound("element", id)
	}
	if err != nil {
		return nil, fmt.Errorf("updating element: %w", err)
	}
	logrus.WithField("element_id", id).Info("Element updated successfully")
	return e, nil
}

func (s *Store) DeleteElement(ctx context.Context, id int64) (*core.Element, error) {
	query, args, err := psq.Delete("slide_elements").
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING id, slide_id, type, content, position, size, properties, created_at, updated_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building element delete: %w", err)
	}

	e, err := scanElement(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("element", id)
	}
	if err != nil {
		return nil, fmt.Errorf("deleting element: %w", err)
	}
	logrus.WithField("element_id", id).Info("Element deleted successfully")
	return e, nil
}
