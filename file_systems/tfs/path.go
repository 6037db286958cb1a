package tfs

import (
	"fmt"
	"strings"

	"github.com/dargueta/tinyfs/errors"
)

// PathIterator walks the components of a slash-separated path without
// modifying it. Empty components and "." are skipped.
type PathIterator struct {
	path     string
	position int
}

func IterPath(path string) *PathIterator {
	return &PathIterator{path: path}
}

// Next returns the next component of the path, or false if there are none left.
func (it *PathIterator) Next() (string, bool) {
	for it.position < len(it.path) {
		rest := it.path[it.position:]
		end := strings.IndexByte(rest, '/')
		if end < 0 {
			end = len(rest)
		}

		component := rest[:end]
		it.position += end + 1
		if component != "" && component != "." {
			return component, true
		}
	}
	return "", false
}

// Remaining returns the part of the path not consumed yet.
func (it *PathIterator) Remaining() string {
	if it.position >= len(it.path) {
		return ""
	}
	return it.path[it.position:]
}

// splitParent splits `path` into the path of its parent directory and its last
// component. The last component is empty for the root directory.
func splitParent(path string) (string, string) {
	trimmed := strings.TrimRight(path, "/")
	for strings.HasSuffix(trimmed, "/.") || trimmed == "." {
		trimmed = strings.TrimRight(strings.TrimSuffix(trimmed, "."), "/")
	}

	index := strings.LastIndexByte(trimmed, '/')
	if index < 0 {
		return "", trimmed
	}
	return trimmed[:index], trimmed[index+1:]
}

// namesDirectory returns true if a trailing slash or "." requires `path` to be a
// directory.
func namesDirectory(path string) bool {
	return strings.HasSuffix(path, "/") || strings.HasSuffix(path, "/.") || path == "."
}

////////////////////////////////////////////////////////////////////////////////

// PathResolver turns paths into inodes by walking directories from the root.
//
// Directories don't store entries for their parents, so ".." can't be
// resolved here. Callers are expected to clean paths beforehand.
type PathResolver struct {
	inodes *InodeTable
	dirs   *DirectoryStore
}

func NewPathResolver(inodes *InodeTable, dirs *DirectoryStore) *PathResolver {
	return &PathResolver{inodes: inodes, dirs: dirs}
}

// Resolve returns the inode at `path`. The empty path and "/" are the root
// directory.
func (resolver *PathResolver) Resolve(path string) (Inode, error) {
	current, err := resolver.inodes.Read(RootInumber)
	if err != nil {
		return Inode{}, err
	}

	iterator := IterPath(path)
	walked := ""
	for {
		component, ok := iterator.Next()
		if !ok {
			if !current.IsDir() && namesDirectory(path) {
				return Inode{}, errors.ErrNotADirectory.WithMessage(
					fmt.Sprintf("%q is not a directory", "/"+walked))
			}
			return current, nil
		}
		if component == ".." {
			return Inode{}, errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("can't resolve %q: parent references aren't supported", path))
		}
		if !current.IsDir() {
			return Inode{}, errors.ErrNotADirectory.WithMessage(
				fmt.Sprintf("%q is not a directory", "/"+walked))
		}

		walked = strings.TrimPrefix(walked+"/"+component, "/")
		entry, err := resolver.dirs.Lookup(&current, component)
		if err != nil {
			if errors.IsErrno(err, errors.ENOENT) {
				return Inode{}, errors.ErrNotFound.WithMessage(fmt.Sprintf("%q", "/"+walked))
			}
			return Inode{}, err
		}

		current, err = resolver.inodes.Read(entry.Inumber)
		if err != nil {
			return Inode{}, errors.CastToDriverError(err).WithMessage(
				fmt.Sprintf("entry %q points to a bad inode", "/"+walked))
		}
	}
}

// ResolveParent resolves the directory containing the last component of
// `path`, and returns it along with that last component. For the root directory
// the returned name is empty and the returned inode is the root itself.
func (resolver *PathResolver) ResolveParent(path string) (Inode, string, error) {
	parentPath, name := splitParent(path)
	if name == ".." {
		return Inode{}, "", errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't resolve %q: parent references aren't supported", path))
	}

	parent, err := resolver.Resolve(parentPath)
	if err != nil {
		return Inode{}, "", err
	}
	if name != "" && !parent.IsDir() {
		return Inode{}, "", errors.ErrNotADirectory.WithMessage(
			fmt.Sprintf("parent of %q is not a directory", path))
	}
	return parent, name, nil
}
