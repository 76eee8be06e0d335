// Package scheduler arms deadline callbacks for searching rides.
//
// A scheduled deadline fires the registered Handler with the ride identifier
// once its time has passed. Handlers must tolerate firing for rides that were
// already accepted or cancelled, since deadlines are never disarmed.
package scheduler
