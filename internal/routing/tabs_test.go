package routing

import "testing"

func TestDefaultTabSet(t *testing.T) {
	tabs := DefaultTabSet()

	if tabs.Default() != "overview" {
		t.Errorf("expected default tab 'overview', got %q", tabs.Default())
	}

	want := []string{"overview", "connections", "sessions", "cron", "chat"}
	got := tabs.IDs()
	if len(got) != len(want) {
		t.Fatalf("expected %d tabs, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tab %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	chat, ok := tabs.Lookup("CHAT")
	if !ok {
		t.Fatal("expected case-insensitive lookup of chat")
	}
	if chat.Path != "/chat" {
		t.Errorf("expected derived path /chat, got %q", chat.Path)
	}
}

func TestNewTabSetValidation(t *testing.T) {
	cases := []struct {
		name       string
		tabs       []Tab
		defaultTab string
	}{
		{"empty", nil, ""},
		{"blank id", []Tab{{ID: " "}}, ""},
		{"slash in id", []Tab{{ID: "a/b"}}, ""},
		{"duplicate id", []Tab{{ID: "a"}, {ID: "A"}}, ""},
		{"duplicate path", []Tab{{ID: "a"}, {ID: "b", Path: "/a"}}, ""},
		{"root path", []Tab{{ID: "a", Path: "/"}}, ""},
		{"unknown default", []Tab{{ID: "a"}}, "b"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewTabSet(tc.tabs, tc.defaultTab); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNewTabSetDefaults(t *testing.T) {
	tabs, err := NewTabSet([]Tab{{ID: "Logs"}, {ID: "debug", Path: "tools/debug/"}}, "")
	if err != nil {
		t.Fatalf("NewTabSet failed: %v", err)
	}
	if tabs.Default() != "logs" {
		t.Errorf("expected first tab to become default, got %q", tabs.Default())
	}
	logs, _ := tabs.Lookup("logs")
	if logs.Title != "Logs" {
		t.Errorf("expected derived title 'Logs', got %q", logs.Title)
	}
	debug, _ := tabs.Lookup("debug")
	if debug.Path != "/tools/debug" {
		t.Errorf("expected normalized path /tools/debug, got %q", debug.Path)
	}
}

func TestTabSetGroups(t *testing.T) {
	groups := DefaultTabSet().Groups()
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Label != "Control" || len(groups[0].Tabs) != 4 {
		t.Errorf("unexpected first group %+v", groups[0])
	}
	if groups[1].Label != "Chat" || groups[1].Tabs[0] != "chat" {
		t.Errorf("unexpected second group %+v", groups[1])
	}
}
