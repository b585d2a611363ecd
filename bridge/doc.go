// Package bridge exposes a removable card to a USB host as a mass-storage
// block device and hands it back to local code on demand.
//
// Three pieces cooperate:
//
//   - [Lifecycle] owns the card. Mount opens it, configures and starts the
//     mass-storage class and makes sure the device stack is running.
//     Unmount hides the media from the host, stops the class and closes
//     the card, leaving the USB device attached. A host eject (START STOP
//     UNIT with LoEj set and Start clear) is handled as Unmount.
//   - [Translator] serves host reads and writes addressed by block plus
//     byte offset using whole-sector operations, with read-modify-write
//     for partly covered sectors.
//   - [LinkMonitor] follows the host link through stack events. It is
//     informational and never affects mounting.
//
// [Bridge] wires them together and is what the rest of the program uses.
//
// Multi-sector writes are not atomic: if a sector fails, sectors written
// before it keep their new contents.
package bridge
