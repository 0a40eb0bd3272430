// Package node implements the node command, which runs one member of a dMux
// cluster over UDP.
package node
