package selection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"arcanum/internal/models"
)

// PageSize matches the Discord select menu option limit.
const PageSize = 25

var (
	ErrUnknownFlow = errors.New("unknown selection flow")
	ErrNoFlow      = errors.New("no active selection flow")
	ErrNotReady    = errors.New("selection flow is not awaiting confirmation")
)

// Phase tracks where a flow is in its lifecycle.
type Phase string

const (
	PhaseSelecting  Phase = "selecting"
	PhaseConfirming Phase = "confirming"
	PhaseComplete   Phase = "complete"
)

type StepDef struct {
	Prompt string
	// FilterPrevious hides items picked in earlier steps.
	FilterPrevious bool
}

// FlowDef declares a multi-step pick-from-inventory interaction.
type FlowDef struct {
	Type          string
	Title         string
	Description   string
	Steps         []StepDef
	ConfirmPrompt string
	ConfirmLabel  string
}

var definitions = map[string]FlowDef{
	"experimental_craft": {
		Type:        "experimental_craft",
		Title:       "Experimental Crafting",
		Description: "Pick two items from your inventory to fuse at the workshop bench.",
		Steps: []StepDef{
			{Prompt: "Select the first component"},
			{Prompt: "Select the second component", FilterPrevious: true},
		},
		ConfirmPrompt: "Fuse these two items? Both will be consumed.",
		ConfirmLabel:  "Begin Crafting",
	},
}

// OnConfirm runs after the player confirms a completed flow. The flow
// state is already removed when it is invoked.
type OnConfirm func(ctx context.Context, playerID string, selections []models.InventoryItem, flowCtx map[string]string) error

// State is one player's progress through a flow.
type State struct {
	PlayerID     string
	Flow         FlowDef
	Step         int
	Selections   []models.InventoryItem
	selectionIDs map[int64]bool
	Page         int
	Source       []models.InventoryItem
	Context      map[string]string
	MessageID    string
	Phase        Phase
	onConfirm    OnConfirm
}

// Page is one renderable slice of the selectable items.
type Page struct {
	Items      []models.InventoryItem
	TotalItems int
	TotalPages int
	Current    int
	Start      int
	End        int
}

// Engine tracks active selection flows keyed by thread ID.
type Engine struct {
	mu     sync.Mutex
	active map[string]*State
}

func NewEngine() *Engine {
	return &Engine{active: map[string]*State{}}
}

// StartFlow begins a flow for a thread, replacing any flow already
// running there.
func (e *Engine) StartFlow(threadID, playerID, flowType string, source []models.InventoryItem, flowCtx map[string]string, cb OnConfirm) (*State, error) {
	def, ok := definitions[flowType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, flowType)
	}
	if len(source) < len(def.Steps) {
		return nil, fmt.Errorf("flow %s needs at least %d items, have %d", flowType, len(def.Steps), len(source))
	}
	st := &State{
		PlayerID:     playerID,
		Flow:         def,
		Selections:   []models.InventoryItem{},
		selectionIDs: map[int64]bool{},
		Source:       source,
		Context:      flowCtx,
		Phase:        PhaseSelecting,
		onConfirm:    cb,
	}
	e.mu.Lock()
	e.active[threadID] = st
	e.mu.Unlock()
	return st, nil
}

func (e *Engine) State(threadID string) *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[threadID]
}

func (e *Engine) SetMessageID(threadID, messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.active[threadID]; st != nil {
		st.MessageID = messageID
	}
}

func (st *State) visible() []models.InventoryItem {
	step := st.Flow.Steps[st.Step]
	if !step.FilterPrevious {
		return st.Source
	}
	out := make([]models.InventoryItem, 0, len(st.Source))
	for _, it := range st.Source {
		if !st.selectionIDs[it.InventoryID] {
			out = append(out, it)
		}
	}
	return out
}

// PageItems returns the current page of selectable items for a thread.
func (e *Engine) PageItems(threadID string) (Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.active[threadID]
	if !ok {
		return Page{}, ErrNoFlow
	}
	items := st.visible()
	total := len(items)
	pages := (total + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	if st.Page >= pages {
		st.Page = pages - 1
	}
	start := st.Page * PageSize
	end := start + PageSize
	if end > total {
		end = total
	}
	return Page{
		Items:      items[start:end],
		TotalItems: total,
		TotalPages: pages,
		Current:    st.Page,
		Start:      start,
		End:        end,
	}, nil
}

// HandleSelection records a pick and advances the flow. A pick that
// does not match a selectable item is ignored; the component it came
// from is stale.
func (e *Engine) HandleSelection(threadID string, inventoryID int64) (*State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.active[threadID]
	if !ok {
		return nil, ErrNoFlow
	}
	if st.Phase != PhaseSelecting {
		return st, nil
	}
	var picked *models.InventoryItem
	for i := range st.Source {
		it := &st.Source[i]
		if it.InventoryID == inventoryID && !st.selectionIDs[inventoryID] {
			picked = it
			break
		}
	}
	if picked == nil {
		return st, nil
	}
	st.Selections = append(st.Selections, *picked)
	st.selectionIDs[inventoryID] = true
	if st.Step+1 < len(st.Flow.Steps) {
		st.Step++
		st.Page = 0
	} else {
		st.Phase = PhaseConfirming
	}
	return st, nil
}

// HandlePagination moves the page cursor, clamped to valid pages.
func (e *Engine) HandlePagination(threadID string, delta int) (*State, error) {
	e.mu.Lock()
	st, ok := e.active[threadID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrNoFlow
	}
	items := st.visible()
	pages := (len(items) + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	st.Page += delta
	if st.Page < 0 {
		st.Page = 0
	}
	if st.Page >= pages {
		st.Page = pages - 1
	}
	e.mu.Unlock()
	return st, nil
}

// HandleCancel abandons the flow at any phase.
func (e *Engine) HandleCancel(threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[threadID]; !ok {
		return false
	}
	delete(e.active, threadID)
	return true
}

// HandleExecute runs the confirm callback for a flow awaiting
// confirmation. The state is removed before the callback runs so a
// second confirm click finds nothing; the callback's error is the
// caller's to surface.
func (e *Engine) HandleExecute(ctx context.Context, threadID string) error {
	e.mu.Lock()
	st, ok := e.active[threadID]
	if !ok {
		e.mu.Unlock()
		return ErrNoFlow
	}
	if st.Phase != PhaseConfirming {
		e.mu.Unlock()
		return ErrNotReady
	}
	st.Phase = PhaseComplete
	delete(e.active, threadID)
	e.mu.Unlock()

	return st.onConfirm(ctx, st.PlayerID, st.Selections, st.Context)
}

// CleanupPlayer drops every flow a player has open.
func (e *Engine) CleanupPlayer(playerID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, st := range e.active {
		if st.PlayerID == playerID {
			delete(e.active, id)
			n++
		}
	}
	return n
}
