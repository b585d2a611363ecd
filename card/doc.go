// Package card provides sector-addressed access to removable storage.
//
// A [Medium] is opened with the SD host [Pins] it is wired to, reports its
// [Geometry] once, and then serves whole-sector reads and writes until it
// is closed. Two implementations are provided:
//
//   - [MemoryCard] keeps sectors in RAM and can simulate card removal and
//     per-sector failures.
//   - [FileCard] uses a disk image or a block device node. On Linux the
//     geometry of a block device comes from the BLKSSZGET and
//     BLKGETSIZE64 ioctls, and opening is refused while the local OS has
//     the card mounted.
//
// [LocalMounts] reports where the local OS has a card mounted, with usage
// figures, so callers can tell whether the card is currently serving the
// local file system.
package card
