package email

import (
	"strings"

	"github.com/emersion/go-imap"

	"github.com/brandon/webmail-relay/pkg/types"
)

// RFC 5258 LIST-EXTENDED attribute, not defined by go-imap v1.
const nonExistentAttr = `\NonExistent`

// FolderNode is one mailbox in the server's hierarchy. Children keep the
// order in which the server listed them.
type FolderNode struct {
	Name       string
	Mailbox    string // full server-side name, delimiter included
	Delimiter  string
	Attributes []string
	Children   []*FolderNode

	index map[string]*FolderNode
}

func (n *FolderNode) child(name string) *FolderNode {
	if n.index == nil {
		n.index = make(map[string]*FolderNode)
	}
	if c, ok := n.index[name]; ok {
		return c
	}
	c := &FolderNode{Name: name}
	n.index[name] = c
	n.Children = append(n.Children, c)
	return c
}

// Selectable reports whether the mailbox can hold messages.
func (n *FolderNode) Selectable() bool {
	for _, attr := range n.Attributes {
		if strings.EqualFold(attr, imap.NoSelectAttr) || strings.EqualFold(attr, nonExistentAttr) {
			return false
		}
	}
	return true
}

// buildFolderTree decodes a flat LIST response into a tree. Parents the
// server omitted are synthesized as non-selectable nodes.
func buildFolderTree(infos []*imap.MailboxInfo) []*FolderNode {
	root := &FolderNode{}
	for _, info := range infos {
		if info == nil || info.Name == "" {
			continue
		}
		parts := []string{info.Name}
		if info.Delimiter != "" {
			parts = strings.Split(info.Name, info.Delimiter)
		}

		node := root
		for i, part := range parts {
			node = node.child(part)
			if node.Mailbox == "" {
				node.Mailbox = strings.Join(parts[:i+1], info.Delimiter)
				node.Delimiter = info.Delimiter
				node.Attributes = []string{imap.NoSelectAttr}
			}
		}
		node.Mailbox = info.Name
		node.Delimiter = info.Delimiter
		node.Attributes = info.Attributes
	}
	return root.Children
}

type flatFolder struct {
	folder types.Folder
	node   *FolderNode
}

// flattenFolders walks the tree depth-first, parents before children.
func flattenFolders(nodes []*FolderNode, parentPath string, out []flatFolder) []flatFolder {
	for _, node := range nodes {
		path := node.Name
		if parentPath != "" {
			path = parentPath + "/" + node.Name
		}
		out = append(out, flatFolder{
			folder: types.Folder{
				ID:         path,
				Name:       node.Name,
				Path:       path,
				SpecialUse: classifyFolder(node.Name),
			},
			node: node,
		})
		out = flattenFolders(node.Children, path, out)
	}
	return out
}

// classifyFolder tags well-known folders from their leaf name.
func classifyFolder(leaf string) string {
	name := strings.ToLower(leaf)
	switch {
	case name == "inbox":
		return types.SpecialUseInbox
	case strings.Contains(name, "sent"):
		return types.SpecialUseSent
	case strings.Contains(name, "draft"):
		return types.SpecialUseDrafts
	case strings.Contains(name, "trash"), strings.Contains(name, "deleted"):
		return types.SpecialUseTrash
	case strings.Contains(name, "junk"), strings.Contains(name, "spam"):
		return types.SpecialUseJunk
	}
	return ""
}
