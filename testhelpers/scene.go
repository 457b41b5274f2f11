package testhelpers

import (
	"os"
	"path/filepath"
	"testing"
)

// Scene is a temporary directory holding a test repository and, optionally,
// a cibot configuration file. Scenes never change the working directory, so
// they are safe to use from parallel tests.
type Scene struct {
	Dir  string
	Repo *GitRepo
}

// SceneSetup is a function type for setting up a scene.
type SceneSetup func(*Scene) error

// NewScene creates a new test scene. Cleanup is registered through t.TempDir.
func NewScene(t *testing.T, setup SceneSetup) *Scene {
	t.Helper()
	dir := t.TempDir()

	repo, err := NewGitRepo(filepath.Join(dir, "repo"))
	if err != nil {
		t.Fatalf("Failed to create Git repo: %v", err)
	}

	scene := &Scene{Dir: dir, Repo: repo}
	if setup != nil {
		if err := setup(scene); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
	}
	return scene
}

// WriteConfig writes a cibot configuration file into the scene and returns its path
func (s *Scene) WriteConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(s.Dir, "cibot.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// BasicSceneSetup creates main with a single initial commit
func BasicSceneSetup(scene *Scene) error {
	_, err := scene.Repo.CreateChangeAndCommit("initial", "")
	return err
}

// MasterSceneSetup creates master with three commits A, B and C
func MasterSceneSetup(scene *Scene) error {
	if _, err := scene.Repo.CreateChangeAndCommit("A", ""); err != nil {
		return err
	}
	if err := scene.Repo.CreateAndCheckoutBranch("master"); err != nil {
		return err
	}
	if _, err := scene.Repo.CreateChangeAndCommit("B", ""); err != nil {
		return err
	}
	if _, err := scene.Repo.CreateChangeAndCommit("C", ""); err != nil {
		return err
	}
	return scene.Repo.DeleteBranch("main")
}
