package queue

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stayreel/renderpipe/internal/models"
)

func TestComputeDedupKeyStable(t *testing.T) {
	templateID := uuid.New()
	assets := []models.AssetInput{
		{SlotKey: "outdoor_1", ImageURL: "https://img.example.com/a.jpg"},
		{SlotKey: "kitchen_1", ImageURL: "https://img.example.com/b.jpg"},
	}
	vars := models.JSONB{"property_name": "Sea View Loft"}

	k1 := ComputeDedupKey(templateID, assets, vars)
	k2 := ComputeDedupKey(templateID, assets, vars)
	if k1 != k2 {
		t.Errorf("same inputs produced different keys: %s vs %s", k1, k2)
	}
	if len(k1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(k1))
	}
}

func TestComputeDedupKeyAssetOrderInsensitive(t *testing.T) {
	templateID := uuid.New()
	vars := models.JSONB{"tone": "warm"}

	forward := []models.AssetInput{
		{SlotKey: "outdoor_1", ImageURL: "https://img.example.com/a.jpg"},
		{SlotKey: "kitchen_1", ImageURL: "https://img.example.com/b.jpg"},
	}
	reversed := []models.AssetInput{
		{SlotKey: "kitchen_1", ImageURL: "https://img.example.com/b.jpg"},
		{SlotKey: "outdoor_1", ImageURL: "https://img.example.com/a.jpg"},
	}

	if ComputeDedupKey(templateID, forward, vars) != ComputeDedupKey(templateID, reversed, vars) {
		t.Error("asset order should not change the dedup key")
	}
}

func TestComputeDedupKeyDistinguishesInputs(t *testing.T) {
	templateID := uuid.New()
	assets := []models.AssetInput{
		{SlotKey: "outdoor_1", ImageURL: "https://img.example.com/a.jpg"},
	}
	vars := models.JSONB{"tone": "warm"}

	base := ComputeDedupKey(templateID, assets, vars)

	if base == ComputeDedupKey(uuid.New(), assets, vars) {
		t.Error("different template should change the key")
	}

	otherAssets := []models.AssetInput{
		{SlotKey: "outdoor_1", ImageURL: "https://img.example.com/other.jpg"},
	}
	if base == ComputeDedupKey(templateID, otherAssets, vars) {
		t.Error("different image should change the key")
	}

	if base == ComputeDedupKey(templateID, assets, models.JSONB{"tone": "bold"}) {
		t.Error("different variables should change the key")
	}
}
