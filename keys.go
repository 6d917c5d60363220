package main

import "github.com/charmbracelet/bubbles/key"

// keyMap defines the dashboard key bindings.
type keyMap struct {
	Quit       key.Binding
	Help       key.Binding
	NextPlayer key.Binding
	PrevPlayer key.Binding
	Automatic  key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "Quit"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "Toggle help"),
		),
		NextPlayer: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "Next player"),
		),
		PrevPlayer: key.NewBinding(
			key.WithKeys("shift+tab"),
			key.WithHelp("shift+tab", "Previous player"),
		),
		Automatic: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "Automatic"),
		),
	}
}

func (k keyMap) helpBindings() []key.Binding {
	return []key.Binding{k.NextPlayer, k.PrevPlayer, k.Automatic, k.Quit, k.Help}
}
