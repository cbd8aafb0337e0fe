package inspect

import (
	"errors"

	"github.com/danmuck/flightctl/internal/bridge"
	"github.com/danmuck/flightctl/internal/valuepath"
)

// ClearErrorsAndWarnings asks every known renderer to drop its errors and
// warnings.
func (c *Cache) ClearErrorsAndWarnings() error {
	var errs []error
	for _, rid := range c.cfg.Store.RendererIDs() {
		errs = append(errs, c.cfg.Bridge.Send(bridge.EventClearErrorsAndWarnings, bridge.RendererParams{RendererID: rid}))
	}
	return errors.Join(errs...)
}

func (c *Cache) ClearErrorsForElement(id, rendererID int) error {
	return c.cfg.Bridge.Send(bridge.EventClearErrorsForElementID, bridge.ElementParams{ID: id, RendererID: rendererID})
}

func (c *Cache) ClearWarningsForElement(id, rendererID int) error {
	return c.cfg.Bridge.Send(bridge.EventClearWarningsForElement, bridge.ElementParams{ID: id, RendererID: rendererID})
}

func (c *Cache) CopyInspectedElementPath(id int, path valuepath.Path, rendererID int) error {
	return c.cfg.Bridge.Send(bridge.EventCopyElementPath, bridge.PathParams{ID: id, Path: path, RendererID: rendererID})
}

// StoreAsGlobal asks the backend to keep the value at path under a fresh
// global name. Names are numbered by this cache's own counter.
func (c *Cache) StoreAsGlobal(id int, path valuepath.Path, rendererID int) error {
	return c.cfg.Bridge.Send(bridge.EventStoreAsGlobal, bridge.StoreAsGlobalParams{
		Count:      c.globalSeq.Add(1) - 1,
		ID:         id,
		Path:       path,
		RendererID: rendererID,
	})
}

func (c *Cache) OverrideValueAtPath(section string, id int, path valuepath.Path, rendererID int, value any) error {
	return c.cfg.Bridge.Send(bridge.EventOverrideValueAtPath, bridge.OverrideValueParams{
		ID:         id,
		RendererID: rendererID,
		Type:       section,
		Path:       path,
		Value:      value,
	})
}

func (c *Cache) DeletePath(section string, id int, path valuepath.Path, rendererID int) error {
	return c.cfg.Bridge.Send(bridge.EventDeletePath, bridge.DeletePathParams{
		ID:         id,
		RendererID: rendererID,
		Type:       section,
		Path:       path,
	})
}

func (c *Cache) RenamePath(section string, id int, oldPath, newPath valuepath.Path, rendererID int) error {
	return c.cfg.Bridge.Send(bridge.EventRenamePath, bridge.RenamePathParams{
		ID:         id,
		RendererID: rendererID,
		Type:       section,
		OldPath:    oldPath,
		NewPath:    newPath,
	})
}
