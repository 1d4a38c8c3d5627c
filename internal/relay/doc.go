// Package relay implements the presence and message routing core: the
// session registry, the channel directory, the offline mailbox, and the
// Router that drives them from decoded client events.
//
// The stores are plain data structures without locks. The Router owns one
// instance of each and serializes every mutation behind its own mutex, so
// registration, channel membership and buffering share a single ordering
// domain regardless of which transport an event arrived on.
package relay
