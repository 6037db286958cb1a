package tfs

var ReserveInode = (*Allocator).reserveInode
