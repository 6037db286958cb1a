package tfs

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
)

// CheckReport is the result of a consistency check. It only describes problems;
// nothing is repaired.
type CheckReport struct {
	// Problems holds one human-readable line per inconsistency found.
	Problems        []string
	ReachableInodes uint
	ReachableBlocks uint
}

// OK returns true if no problems were found.
func (report *CheckReport) OK() bool {
	return len(report.Problems) == 0
}

func (report *CheckReport) addProblem(format string, args ...any) {
	report.Problems = append(report.Problems, fmt.Sprintf(format, args...))
}

// checker walks the directory tree from the root, recording every inode and
// block it reaches.
type checker struct {
	fs              *FileSystem
	report          CheckReport
	reachedInodes   bitmap.Bitmap
	reachedBlocks   bitmap.Bitmap
	allocatedInodes bitmap.Bitmap
	allocatedBlocks bitmap.Bitmap
}

// Check compares the bitmaps against what's reachable from the root directory.
// It reports:
//
//   - allocated inodes and blocks that nothing refers to (leaks)
//   - referenced inodes and blocks whose bitmap bit is clear
//   - blocks or inodes referenced more than once
//   - pointers outside the data region
//   - directories whose size doesn't match their number of live entries
//
// The returned error is only for failures that stopped the check, such as an
// I/O error.
func (fs *FileSystem) Check() (CheckReport, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	if err := fs.checkMounted(); err != nil {
		return CheckReport{}, err
	}

	inodeBits, blockBits := fs.allocator.snapshot()
	check := checker{
		fs:              fs,
		reachedInodes:   bitmap.New(int(fs.superblock.MaxInodes)),
		reachedBlocks:   bitmap.New(int(fs.superblock.MaxDataBlocks)),
		allocatedInodes: inodeBits,
		allocatedBlocks: blockBits,
	}

	err := check.walk()
	if err != nil {
		return check.report, err
	}
	check.findLeaks()

	if !check.report.OK() {
		fs.logger.Warn("consistency check found problems", "count", len(check.report.Problems))
	}
	return check.report, nil
}

// markBlock records a reference to `block` from inode `owner`.
func (check *checker) markBlock(block c.PhysicalBlock, owner Inumber) {
	sb := &check.fs.superblock
	if !sb.IsDataBlock(block) {
		check.report.addProblem(
			"inode %d points to block %d outside the data region", owner, block)
		return
	}

	index := int(block - sb.DataRegionStart)
	if check.reachedBlocks.Get(index) {
		check.report.addProblem("block %d is referenced more than once (again by inode %d)", block, owner)
		return
	}
	check.reachedBlocks.Set(index, true)
	check.report.ReachableBlocks++

	if !check.allocatedBlocks.Get(index) {
		check.report.addProblem("block %d is used by inode %d but marked free", block, owner)
	}
}

// visitInode records an inode and all the blocks it uses. It returns false if
// the inode was seen before.
func (check *checker) visitInode(inode *Inode) (bool, error) {
	index := int(inode.Number)
	if check.reachedInodes.Get(index) {
		check.report.addProblem("inode %d is linked more than once", inode.Number)
		return false, nil
	}
	check.reachedInodes.Set(index, true)
	check.report.ReachableInodes++

	if !check.allocatedInodes.Get(index) {
		check.report.addProblem("inode %d is in use but marked free", inode.Number)
	}

	dataBlocks, indirectBlocks, err := check.fs.data.ReferencedBlocks(inode)
	if err != nil {
		return false, err
	}
	for _, block := range indirectBlocks {
		check.markBlock(block, inode.Number)
	}
	for _, block := range dataBlocks {
		check.markBlock(block, inode.Number)
	}
	return true, nil
}

func (check *checker) walk() error {
	root, err := check.fs.inodes.Read(RootInumber)
	if err != nil {
		return err
	}

	queue := []Inode{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		firstVisit, err := check.visitInode(&dir)
		if err != nil {
			return err
		}
		if !firstVisit {
			continue
		}

		entries, err := check.fs.dirs.List(&dir)
		if err != nil {
			return err
		}
		if expected := uint64(len(entries)) * DirentSize; dir.Size != expected {
			check.report.addProblem(
				"directory inode %d has size %d but %d live entries",
				dir.Number,
				dir.Size,
				len(entries))
		}

		for _, entry := range entries {
			child, err := check.fs.inodes.Read(entry.Inumber)
			if err != nil {
				if errors.IsErrno(err, errors.EIO) {
					return err
				}
				check.report.addProblem(
					"entry %q in directory inode %d points to bad inode %d: %s",
					entry.Name,
					dir.Number,
					entry.Inumber,
					err.Error())
				continue
			}

			if child.IsDir() {
				queue = append(queue, child)
				continue
			}
			if _, err = check.visitInode(&child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (check *checker) findLeaks() {
	sb := &check.fs.superblock
	for i := int(RootInumber); i < int(sb.MaxInodes); i++ {
		if check.allocatedInodes.Get(i) && !check.reachedInodes.Get(i) {
			check.report.addProblem("inode %d is allocated but unreachable", i)
		}
	}
	for i := 0; i < int(sb.MaxDataBlocks); i++ {
		if check.allocatedBlocks.Get(i) && !check.reachedBlocks.Get(i) {
			check.report.addProblem(
				"block %d is allocated but unreachable", sb.DataRegionStart+c.PhysicalBlock(i))
		}
	}
}
