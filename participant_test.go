package main

import (
	"errors"
	"testing"
)

func TestParticipantCreateDefaults(t *testing.T) {
	pr := newParticipantRegistry()

	p, err := pr.create("conn-1")
	if err != nil {
		t.Fatalf("Failed to create participant: %v", err)
	}

	if p.ID != "conn-1" {
		t.Errorf("Expected id 'conn-1', got %q", p.ID)
	}
	if p.Name != defaultName {
		t.Errorf("Expected default name %q, got %q", defaultName, p.Name)
	}
	if !validColor(p.Color) {
		t.Errorf("Expected a valid hex color, got %q", p.Color)
	}
	if p.X != defaultX || p.Y != defaultY {
		t.Errorf("Expected default position (%v,%v), got (%v,%v)", float64(defaultX), float64(defaultY), p.X, p.Y)
	}
}

func TestParticipantCreateDuplicate(t *testing.T) {
	pr := newParticipantRegistry()

	if _, err := pr.create("conn-1"); err != nil {
		t.Fatalf("Failed to create participant: %v", err)
	}

	if _, err := pr.create("conn-1"); !errors.Is(err, errParticipantExists) {
		t.Errorf("Expected errParticipantExists, got %v", err)
	}
	if pr.count() != 1 {
		t.Errorf("Expected 1 participant, got %d", pr.count())
	}
}

func TestParticipantRemoveThenRecreate(t *testing.T) {
	pr := newParticipantRegistry()

	first, _ := pr.create("conn-1")
	pr.remove("conn-1")

	if pr.get("conn-1") != nil {
		t.Error("Expected participant to be gone after remove")
	}

	second, err := pr.create("conn-1")
	if err != nil {
		t.Fatalf("Failed to recreate participant: %v", err)
	}
	if first == second {
		t.Error("Expected a fresh record after recreate")
	}
}

func TestParticipantGetUnknown(t *testing.T) {
	pr := newParticipantRegistry()

	if pr.get("ghost") != nil {
		t.Error("Expected nil for unknown connection")
	}
}
