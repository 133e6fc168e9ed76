package service

import (
	"fmt"
	"image"
	"image/color"

	"github.com/soma-tiles/tileview/internal/logging"
	"github.com/soma-tiles/tileview/internal/viewstore"
)

// SaveSession stores the current state of a view under name.
func (s *ViewService) SaveSession(name, viewID string) (*viewstore.Session, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	if name == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, viewstore.ErrName)
	}
	info, err := s.Info(viewID)
	if err != nil {
		return nil, err
	}
	bg, _ := ParseColor(info.Background)
	state := viewstore.ViewState{
		Source:     info.Source,
		Width:      info.Width,
		Height:     info.Height,
		Scale:      info.Scale,
		OriginX:    info.Origin[0],
		OriginY:    info.Origin[1],
		Bands:      info.Bands,
		DataMap:    info.DataMap,
		Background: [4]uint8{bg.R, bg.G, bg.B, bg.A},
	}
	sess, err := s.store.SaveSession(name, state)
	if err != nil {
		return nil, fmt.Errorf("save session %q: %w", name, err)
	}
	logging.L().Info("[ViewService] session saved", "session", name, "view", viewID)
	return sess, nil
}

// ListSessions returns the saved sessions.
func (s *ViewService) ListSessions() ([]*viewstore.Session, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListSessions()
}

// DeleteSession removes a saved session.
func (s *ViewService) DeleteSession(name string) error {
	if s.store == nil {
		return ErrNoStore
	}
	return s.store.DeleteSession(name)
}

// OpenSession opens a new view restored from a saved session.
func (s *ViewService) OpenSession(name string) (*ViewInfo, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	sess, err := s.store.GetSession(name)
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", name, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	st := sess.State

	v, err := s.openView(ViewRequest{Source: st.Source, Width: st.Width, Height: st.Height, Scale: st.Scale})
	if err != nil {
		return nil, err
	}

	bg := color.RGBA{R: st.Background[0], G: st.Background[1], B: st.Background[2], A: st.Background[3]}
	if err := v.display.SetBackground(bg); err != nil {
		logging.L().Warn("[ViewService] restore background", "session", name, "error", err)
	}
	v.display.PanTo(image.Pt(st.OriginX, st.OriginY))

	v.mu.Lock()
	v.background = bg
	bands := st.Bands
	v.bands = &bands
	v.dataMap = st.DataMap
	err = v.applyMapsLocked(v.display.Source())
	v.mu.Unlock()
	if err != nil {
		logging.L().Warn("[ViewService] restore data map", "session", name, "error", err)
	}

	logging.L().Info("[ViewService] session opened", "session", name, "view", v.ID)
	return s.info(v), nil
}
