package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/storer"
)

var errNoTag = errors.New("no annotated tag reachable from HEAD")

// maxCandidates matches the default of git describe --candidates
const maxCandidates = 10

// description is the equivalent of `git describe --abbrev=7`
type description struct {
	tag      string
	distance int
	head     plumbing.Hash
}

// String renders the description as a local version: v1.2.0-3-gabcdef1
// becomes 1.2.0+3.gabcdef1.
func (d description) String() string {
	base := strings.TrimPrefix(d.tag, "v")
	if d.distance == 0 {
		return base
	}
	return base + "+" + strconv.Itoa(d.distance) + ".g" + d.head.String()[:7]
}

// DevVersion returns the version a development build should pin. Released
// files, directories outside a git repository and commits sitting exactly
// on a tag keep the declared version.
func DevVersion(info *Info, repoDir string) (string, error) {
	if info.Release {
		return info.Version, nil
	}

	d, err := describe(repoDir)
	if errors.Is(err, git.ErrRepositoryNotExists) || errors.Is(err, errNoTag) || errors.Is(err, plumbing.ErrReferenceNotFound) {
		return info.Version, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to describe %s: %w", repoDir, err)
	}
	if d.distance == 0 {
		return info.Version, nil
	}
	return d.String(), nil
}

func describe(repoDir string) (description, error) {
	repo, err := git.PlainOpenWithOptions(repoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return description{}, err
	}
	head, err := repo.Head()
	if err != nil {
		return description{}, err
	}

	// commit -> annotated tag name
	tags := make(map[plumbing.Hash]string)
	iter, err := repo.Tags()
	if err != nil {
		return description{}, err
	}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		tag, err := repo.TagObject(ref.Hash())
		if err != nil {
			return nil // lightweight tag
		}
		commit, err := tag.Commit()
		if err != nil {
			return nil
		}
		tags[commit.Hash] = ref.Name().Short()
		return nil
	})
	if err != nil {
		return description{}, err
	}

	// tagged ancestors nearest first, at most maxCandidates of them
	log, err := repo.Log(&git.LogOptions{From: head.Hash(), Order: git.LogOrderBSF})
	if err != nil {
		return description{}, err
	}
	var candidates []plumbing.Hash
	err = log.ForEach(func(c *object.Commit) error {
		if _, ok := tags[c.Hash]; ok {
			candidates = append(candidates, c.Hash)
			if len(candidates) == maxCandidates {
				return storer.ErrStop
			}
		}
		return nil
	})
	if err != nil {
		return description{}, err
	}
	if len(candidates) == 0 {
		return description{}, errNoTag
	}

	fromHead, err := ancestors(repo, head.Hash())
	if err != nil {
		return description{}, err
	}

	// the candidate leaving the fewest commits unexplained wins; ties go to
	// the nearer one
	best := description{distance: -1, head: head.Hash()}
	for _, candidate := range candidates {
		fromTag, err := ancestors(repo, candidate)
		if err != nil {
			return description{}, err
		}
		distance := 0
		for hash := range fromHead {
			if _, ok := fromTag[hash]; !ok {
				distance++
			}
		}
		if best.distance < 0 || distance < best.distance {
			best.tag, best.distance = tags[candidate], distance
		}
	}
	return best, nil
}

func ancestors(repo *git.Repository, from plumbing.Hash) (map[plumbing.Hash]struct{}, error) {
	log, err := repo.Log(&git.LogOptions{From: from})
	if err != nil {
		return nil, err
	}
	seen := make(map[plumbing.Hash]struct{})
	err = log.ForEach(func(c *object.Commit) error {
		seen[c.Hash] = struct{}{}
		return nil
	})
	return seen, err
}
