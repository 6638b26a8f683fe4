package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidesync-server/core"
)

const testDBError = "connection refused"

var testTime = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	s.now = func() time.Time { return testTime }
	return s, mock
}

func elementRows() *sqlmock.Rows {
	return sqlmock.NewRows(elementColumns)
}

func TestCreatePresentation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO presentations \(title,created_at\) VALUES \(\$1,\$2\) RETURNING id`).
		WithArgs("Kickoff", testTime).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	p := &core.Presentation{Title: "Kickoff"}
	require.NoError(t, s.CreatePresentation(context.Background(), p))
	assert.EqualValues(t, 7, p.ID)
	assert.Equal(t, testTime, p.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePresentation_Error(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO presentations").WillReturnError(errors.New(testDBError))

	err := s.CreatePresentation(context.Background(), &core.Presentation{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting presentation")
	assert.Contains(t, err.Error(), testDBError)
}

func TestListPresentations(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows(presentationColumns).
		AddRow(int64(3), "Third", testTime).
		AddRow(int64(2), "Second", testTime.Add(-time.Hour))
	mock.ExpectQuery(`SELECT id, title, created_at FROM presentations ORDER BY created_at DESC, id DESC LIMIT 2 OFFSET 2`).
		WillReturnRows(rows)

	got, err := s.ListPresentations(context.Background(), 2, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Third", got[0].Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPresentation_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, title, created_at FROM presentations WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(presentationColumns))

	_, err := s.GetPresentation(context.Background(), 99)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.EqualError(t, err, "presentation with id 99 not found")
}

func TestCreateSlide(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO slides").
		WithArgs(int64(1), 0, "#FFFFFF", "none", testTime).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	slide := core.NewSlide(1, 0)
	require.NoError(t, s.CreateSlide(context.Background(), slide))
	assert.EqualValues(t, 11, slide.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSlide_Upsert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO slides .* ON CONFLICT \(id\) DO UPDATE SET`).
		WithArgs(int64(5), int64(1), 2, "#FFFFFF", "none", testTime).
		WillReturnResult(sqlmock.NewResult(0, 1))

	slide := core.NewSlide(1, 2)
	slide.ID = 5
	require.NoError(t, s.SaveSlide(context.Background(), slide))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSlide_OtherPresentationConflicts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE SET .* WHERE slides.presentation_id = EXCLUDED.presentation_id`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	slide := core.NewSlide(2, 9)
	slide.ID = 1
	err := s.SaveSlide(context.Background(), slide)
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSlide(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM slides WHERE id = \$1`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows(slideColumns).AddRow(int64(4), int64(9), 1, "#FFFFFF", "none", testTime))
	mock.ExpectQuery(`SELECT .* FROM slides WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(slideColumns))

	slide, err := s.GetSlide(context.Background(), 4)
	require.NoError(t, err)
	assert.EqualValues(t, 9, slide.PresentationID)

	_, err = s.GetSlide(context.Background(), 5)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSlides(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows(slideColumns).
		AddRow(int64(1), int64(9), 0, "#FFFFFF", "none", testTime).
		AddRow(int64(2), int64(9), 1, "#000000", "fade", testTime)
	mock.ExpectQuery(`SELECT .* FROM slides WHERE presentation_id = \$1 ORDER BY position ASC, id ASC`).
		WithArgs(int64(9)).
		WillReturnRows(rows)

	slides, err := s.ListSlides(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, slides, 2)
	assert.Equal(t, "fade", slides[1].TransitionType)
}

func TestUpdateSlide_Coalesce(t *testing.T) {
	s, mock := newMockStore(t)
	color := "#123456"

	mock.ExpectQuery(`UPDATE slides SET position = COALESCE\(\$1, position\), background_color = COALESCE\(\$2, background_color\), transition_type = COALESCE\(\$3, transition_type\) WHERE id = \$4 RETURNING`).
		WithArgs(nil, color, nil, int64(4)).
		WillReturnRows(sqlmock.NewRows(slideColumns).AddRow(int64(4), int64(9), 0, color, "none", testTime))

	slide, err := s.UpdateSlide(context.Background(), 4, core.SlidePatch{BackgroundColor: &color})
	require.NoError(t, err)
	assert.Equal(t, color, slide.BackgroundColor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSlide_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE slides").WillReturnRows(sqlmock.NewRows(slideColumns))

	_, err := s.UpdateSlide(context.Background(), 4, core.SlidePatch{})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDeleteSlide(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM slides WHERE id = \$1`).WithArgs(int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM slides WHERE id = \$1`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.DeleteSlide(context.Background(), 4))
	assert.ErrorIs(t, s.DeleteSlide(context.Background(), 5), core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateElement(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO slide_elements \(slide_id,type,content,position,size,properties,created_at,updated_at\)`).
		WithArgs(int64(2), "text", "hi", `{"x":0,"y":0}`, `{"width":100,"height":100}`, `{}`, testTime, testTime).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))

	e := core.NewElement(2, core.ElementText)
	e.Content = "hi"
	require.NoError(t, s.CreateElement(context.Background(), e))
	assert.EqualValues(t, 21, e.ID)
	assert.Equal(t, testTime, e.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveElement_Upsert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO slide_elements .* ON CONFLICT \(id\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := core.NewElement(2, core.ElementShape)
	e.ID = 300
	require.NoError(t, s.SaveElement(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveElement_OtherPresentationConflicts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE SET .* WHERE \(SELECT presentation_id FROM slides WHERE id = slide_elements.slide_id\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	e := core.NewElement(2, core.ElementText)
	e.ID = 1
	err := s.SaveElement(context.Background(), e)
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListElements(t *testing.T) {
	s, mock := newMockStore(t)
	rows := elementRows().
		AddRow(int64(1), int64(2), "shape", "", []byte(`{"x":5,"y":6}`), []byte(`{"width":10,"height":20}`), []byte(`{"fill":"red"}`), testTime, testTime)
	mock.ExpectQuery(`SELECT .* FROM slide_elements WHERE slide_id = \$1 ORDER BY created_at ASC, id ASC`).
		WithArgs(int64(2)).
		WillReturnRows(rows)

	elements, err := s.ListElements(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, core.ElementShape, elements[0].Type)
	assert.Equal(t, core.Position{X: 5, Y: 6}, elements[0].Position)
	assert.Equal(t, core.Size{Width: 10, Height: 20}, elements[0].Size)
	assert.Equal(t, "red", elements[0].Properties["fill"])
}

func TestListElements_BadJSON(t *testing.T) {
	s, mock := newMockStore(t)
	rows := elementRows().
		AddRow(int64(1), int64(2), "shape", "", []byte(`not json`), []byte(`{}`), []byte(`{}`), testTime, testTime)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	_, err := s.ListElements(context.Background(), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding position")
}

func TestUpdateElement_Coalesce(t *testing.T) {
	s, mock := newMockStore(t)
	content := "X"

	mock.ExpectQuery(`UPDATE slide_elements SET content = COALESCE\(\$1, content\), position = COALESCE\(\$2::jsonb, position\), size = COALESCE\(\$3::jsonb, size\), properties = COALESCE\(\$4::jsonb, properties\), updated_at = GREATEST\(\$5, updated_at\) WHERE id = \$6`).
		WithArgs(content, nil, nil, nil, testTime, int64(8)).
		WillReturnRows(elementRows().
			AddRow(int64(8), int64(2), "text", "X", []byte(`{"x":1,"y":2}`), []byte(`{"width":100,"height":100}`), []byte(`{}`), testTime.Add(-time.Hour), testTime))

	e, err := s.UpdateElement(context.Background(), 8, core.ElementPatch{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, "X", e.Content)
	assert.Equal(t, core.Position{X: 1, Y: 2}, e.Position)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateElement_ClearProperties(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE slide_elements").
		WithArgs(nil, nil, nil, `{}`, testTime, int64(8)).
		WillReturnRows(elementRows())

	_, err := s.UpdateElement(context.Background(), 8, core.ElementPatch{Properties: map[string]any{}})
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteElement(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`DELETE FROM slide_elements WHERE id = \$1 RETURNING`).
		WithArgs(int64(8)).
		WillReturnRows(elementRows().
			AddRow(int64(8), int64(2), "image", "/uploads/a.png", []byte(`{"x":0,"y":0}`), []byte(`{"width":1,"height":1}`), []byte(`{}`), testTime, testTime))
	mock.ExpectQuery("DELETE FROM slide_elements").
		WithArgs(int64(9)).
		WillReturnRows(elementRows())

	e, err := s.DeleteElement(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, "/uploads/a.png", e.Content)

	_, err = s.DeleteElement(context.Background(), 9)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
