package collab

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"slidesync-server/core"
)

// The methods below mirror changes that were written to the store outside a
// live connection, such as through the REST API, into the live session of
// their presentation and broadcast them to every participant. Nothing is
// persisted again. A presentation without a live session is left alone; it
// loads the stored state when someone joins.

// lockSession returns the live session of presentationID locked for
// mutation.
func (d *Dispatcher) lockSession(presentationID int64) (*Session, func(), bool) {
	documentID := strconv.FormatInt(presentationID, 10)
	if _, ok := d.sessions.Get(documentID); !ok {
		return nil, nil, false
	}
	unlock := d.locks.lock(documentID)
	session, _ := d.sessions.Get(documentID)
	return session, unlock, true
}

func (d *Dispatcher) ElementAdded(presentationID int64, element core.Element) {
	session, unlock, ok := d.lockSession(presentationID)
	if !ok {
		return
	}
	defer unlock()

	if !session.HasSlide(element.SlideID) {
		logrus.WithFields(logrus.Fields{
			"document_id": session.DocumentID(),
			"slide_id":    element.SlideID,
		}).Debug("Stored element for a slide outside the session ignored")
		return
	}
	element, _ = d.sessions.AddElement(session.DocumentID(), element)
	d.router.BroadcastToDocument(session.DocumentID(), elementMessage{
		Type:    TypeElementAdded,
		SlideID: element.SlideID,
		Element: element,
	}, "")
}

// ElementUpdated merges patch into the live element. An element the session
// does not hold yet is added from its stored form.
func (d *Dispatcher) ElementUpdated(presentationID int64, element core.Element, patch core.ElementPatch) {
	session, unlock, ok := d.lockSession(presentationID)
	if !ok {
		return
	}
	defer unlock()

	updated, ok := d.sessions.UpdateElement(session.DocumentID(), element.ID, patch)
	if !ok {
		if !session.HasSlide(element.SlideID) {
			return
		}
		updated, _ = d.sessions.AddElement(session.DocumentID(), element)
	}
	d.router.BroadcastToDocument(session.DocumentID(), elementMessage{
		Type:    TypeElementUpdated,
		SlideID: updated.SlideID,
		Element: updated,
	}, "")
}

func (d *Dispatcher) ElementDeleted(presentationID int64, element core.Element) {
	session, unlock, ok := d.lockSession(presentationID)
	if !ok {
		return
	}
	defer unlock()

	removed, ok := d.sessions.DeleteElement(session.DocumentID(), element.ID)
	if !ok {
		return
	}
	d.router.BroadcastToDocument(session.DocumentID(), elementDeletedMessage{
		Type:      TypeElementDeleted,
		SlideID:   removed.SlideID,
		ElementID: removed.ID,
	}, "")
}

func (d *Dispatcher) SlideAdded(slide core.Slide) {
	session, unlock, ok := d.lockSession(slide.PresentationID)
	if !ok {
		return
	}
	defer unlock()

	slide = d.sessions.AddSlide(session.DocumentID(), slide)
	d.router.BroadcastToDocument(session.DocumentID(), slideMessage{
		Type:  TypeSlideAdded,
		Slide: slide,
	}, "")
}

// SlideUpdated merges patch into the live slide, adding the stored slide
// when the session does not hold it yet.
func (d *Dispatcher) SlideUpdated(slide core.Slide, patch core.SlidePatch) {
	session, unlock, ok := d.lockSession(slide.PresentationID)
	if !ok {
		return
	}
	defer unlock()

	updated, ok := d.sessions.UpdateSlide(session.DocumentID(), slide.ID, patch)
	if !ok {
		updated = d.sessions.AddSlide(session.DocumentID(), slide)
	}
	d.router.BroadcastToDocument(session.DocumentID(), slideMessage{
		Type:  TypeSlideUpdated,
		Slide: updated,
	}, "")
}

func (d *Dispatcher) SlideDeleted(presentationID, slideID int64) {
	session, unlock, ok := d.lockSession(presentationID)
	if !ok {
		return
	}
	defer unlock()

	removed, ok := d.sessions.DeleteSlide(session.DocumentID(), slideID)
	if !ok {
		return
	}
	if removed == nil {
		removed = []int64{}
	}
	d.router.BroadcastToDocument(session.DocumentID(), slideDeletedMessage{
		Type:       TypeSlideDeleted,
		SlideID:    slideID,
		ElementIDs: removed,
		Index:      session.CurrentSlideIndex(),
	}, "")
}
