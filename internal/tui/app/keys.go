package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the TUI.
type KeyMap struct {
	Final       key.Binding
	Interactive key.Binding
	Swatch      key.Binding
	Bake        key.Binding
	Export      key.Binding
	Stop        key.Binding
	Interrupt   key.Binding
	Crop        key.Binding
	PrevFrame   key.Binding
	NextFrame   key.Binding
	Snapshot    key.Binding
	History     key.Binding
	Log         key.Binding
	Help        key.Binding
	Up          key.Binding
	Down        key.Binding
	Escape      key.Binding
	Quit        key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Final: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "final render"),
		),
		Interactive: key.NewBinding(
			key.WithKeys("i"),
			key.WithHelp("i", "interactive render"),
		),
		Swatch: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "swatch render"),
		),
		Bake: key.NewBinding(
			key.WithKeys("b"),
			key.WithHelp("b", "bake"),
		),
		Export: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "export archive"),
		),
		Stop: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "stop round"),
		),
		Interrupt: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "break blocking render"),
		),
		Crop: key.NewBinding(
			key.WithKeys("w"),
			key.WithHelp("w", "cycle crop window"),
		),
		PrevFrame: key.NewBinding(
			key.WithKeys("["),
			key.WithHelp("[", "previous frame"),
		),
		NextFrame: key.NewBinding(
			key.WithKeys("]"),
			key.WithHelp("]", "next frame"),
		),
		Snapshot: key.NewBinding(
			key.WithKeys("p"),
			key.WithHelp("p", "save viewport snapshot"),
		),
		History: key.NewBinding(
			key.WithKeys("h"),
			key.WithHelp("h", "round history"),
		),
		Log: key.NewBinding(
			key.WithKeys("l"),
			key.WithHelp("l", "event log"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "scroll down"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close overlay"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Final, k.Interactive, k.Stop, k.Snapshot, k.History, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Final, k.Interactive, k.Swatch, k.Bake, k.Export},
		{k.Stop, k.Interrupt, k.Crop, k.PrevFrame, k.NextFrame},
		{k.Snapshot, k.History, k.Log, k.Help, k.Escape, k.Quit},
	}
}

func (k KeyMap) all() []key.Binding {
	var out []key.Binding
	for _, group := range k.FullHelp() {
		out = append(out, group...)
	}
	return out
}
