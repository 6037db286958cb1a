// Package snapshot packs a whole volume into a compact stream and restores it.
//
// A freshly formatted volume is almost entirely null bytes: the bitmaps are
// nearly empty, the inode table holds one record, and the data region hasn't
// been touched. Run-length encoding the raw blocks first and then gzipping the
// result shrinks such an image to a few hundred bytes.
//
// The run-length encoding is RLE8, as used by the BMP file format. A byte that
// occurs N >= 2 times in a row is written twice, followed by an unsigned byte
// giving the number of additional occurrences:
//
//	WXXXXXXXXXXXXXXXYZZ
//	W XX 13 Y ZZ 0
//
// A run is at most 257 bytes; longer runs are split.
//
// A snapshot starts with an uncompressed [Header] so the geometry of the
// volume is known before anything is decompressed. The gzip stream follows.
package snapshot
